package kerneldesc

// Word selects one of the descriptor's bit-packed words.
type Word int

const (
	Rsrc1 Word = iota
	Rsrc2
	Rsrc3
	KernelCodeProperties
)

var wordNames = [...]string{"COMPUTE_PGM_RSRC1", "COMPUTE_PGM_RSRC2", "COMPUTE_PGM_RSRC3", "KERNEL_CODE_PROPERTIES"}

func (w Word) String() string {
	if w < 0 || int(w) >= len(wordNames) {
		return "UNKNOWN"
	}
	return wordNames[w]
}

func (w Word) bits() uint {
	if w == KernelCodeProperties {
		return 16
	}
	return 32
}

// Field is a sub-field of a descriptor word.
type Field struct {
	Name  string
	Word  Word
	Shift uint
	Width uint
}

func (f Field) Mask() uint32 {
	return uint32((uint64(1)<<f.Width)-1) << f.Shift
}

// Max is the largest value the field can hold.
func (f Field) Max() uint32 {
	return uint32((uint64(1) << f.Width) - 1)
}

func field(w Word, name string, shift, width uint) Field {
	return Field{Name: name, Word: w, Shift: shift, Width: width}
}

// COMPUTE_PGM_RSRC1
var (
	GranulatedWorkitemVGPRCount  = field(Rsrc1, "GRANULATED_WORKITEM_VGPR_COUNT", 0, 6)
	GranulatedWavefrontSGPRCount = field(Rsrc1, "GRANULATED_WAVEFRONT_SGPR_COUNT", 6, 4)
	Priority                     = field(Rsrc1, "PRIORITY", 10, 2)
	FloatRoundMode32             = field(Rsrc1, "FLOAT_ROUND_MODE_32", 12, 2)
	FloatRoundMode1664           = field(Rsrc1, "FLOAT_ROUND_MODE_16_64", 14, 2)
	FloatDenormMode32            = field(Rsrc1, "FLOAT_DENORM_MODE_32", 16, 2)
	FloatDenormMode1664          = field(Rsrc1, "FLOAT_DENORM_MODE_16_64", 18, 2)
	Priv                         = field(Rsrc1, "PRIV", 20, 1)
	EnableDX10Clamp              = field(Rsrc1, "ENABLE_DX10_CLAMP", 21, 1)
	DebugMode                    = field(Rsrc1, "DEBUG_MODE", 22, 1)
	EnableIEEEMode               = field(Rsrc1, "ENABLE_IEEE_MODE", 23, 1)
	Bulky                        = field(Rsrc1, "BULKY", 24, 1)
	CdbgUser                     = field(Rsrc1, "CDBG_USER", 25, 1)
	FP16Ovfl                     = field(Rsrc1, "FP16_OVFL", 26, 1)
	Rsrc1Reserved0               = field(Rsrc1, "RESERVED0", 27, 2)
	WGPMode                      = field(Rsrc1, "WGP_MODE", 29, 1)
	MemOrdered                   = field(Rsrc1, "MEM_ORDERED", 30, 1)
	FwdProgress                  = field(Rsrc1, "FWD_PROGRESS", 31, 1)
)

// COMPUTE_PGM_RSRC2
var (
	EnablePrivateSegment                     = field(Rsrc2, "ENABLE_PRIVATE_SEGMENT", 0, 1)
	UserSGPRCount                            = field(Rsrc2, "USER_SGPR_COUNT", 1, 5)
	EnableTrapHandler                        = field(Rsrc2, "ENABLE_TRAP_HANDLER", 6, 1)
	EnableSGPRWorkgroupIDX                   = field(Rsrc2, "ENABLE_SGPR_WORKGROUP_ID_X", 7, 1)
	EnableSGPRWorkgroupIDY                   = field(Rsrc2, "ENABLE_SGPR_WORKGROUP_ID_Y", 8, 1)
	EnableSGPRWorkgroupIDZ                   = field(Rsrc2, "ENABLE_SGPR_WORKGROUP_ID_Z", 9, 1)
	EnableSGPRWorkgroupInfo                  = field(Rsrc2, "ENABLE_SGPR_WORKGROUP_INFO", 10, 1)
	EnableVGPRWorkitemID                     = field(Rsrc2, "ENABLE_VGPR_WORKITEM_ID", 11, 2)
	EnableExceptionAddressWatch              = field(Rsrc2, "ENABLE_EXCEPTION_ADDRESS_WATCH", 13, 1)
	EnableExceptionMemory                    = field(Rsrc2, "ENABLE_EXCEPTION_MEMORY", 14, 1)
	GranulatedLDSSize                        = field(Rsrc2, "GRANULATED_LDS_SIZE", 15, 9)
	EnableExceptionIEEE754FPInvalidOperation = field(Rsrc2, "ENABLE_EXCEPTION_IEEE_754_FP_INVALID_OPERATION", 24, 1)
	EnableExceptionFPDenormalSource          = field(Rsrc2, "ENABLE_EXCEPTION_FP_DENORMAL_SOURCE", 25, 1)
	EnableExceptionIEEE754FPDivisionByZero   = field(Rsrc2, "ENABLE_EXCEPTION_IEEE_754_FP_DIVISION_BY_ZERO", 26, 1)
	EnableExceptionIEEE754FPOverflow         = field(Rsrc2, "ENABLE_EXCEPTION_IEEE_754_FP_OVERFLOW", 27, 1)
	EnableExceptionIEEE754FPUnderflow        = field(Rsrc2, "ENABLE_EXCEPTION_IEEE_754_FP_UNDERFLOW", 28, 1)
	EnableExceptionIEEE754FPInexact          = field(Rsrc2, "ENABLE_EXCEPTION_IEEE_754_FP_INEXACT", 29, 1)
	EnableExceptionIntDivideByZero           = field(Rsrc2, "ENABLE_EXCEPTION_INT_DIVIDE_BY_ZERO", 30, 1)
	Rsrc2Reserved0                           = field(Rsrc2, "RESERVED0", 31, 1)
)

// COMPUTE_PGM_RSRC3. The layout depends on the target family.
var (
	GFX90AAccumOffset = field(Rsrc3, "ACCUM_OFFSET", 0, 6)
	GFX90AReserved0   = field(Rsrc3, "RESERVED0", 6, 10)
	GFX90ATgSplit     = field(Rsrc3, "TG_SPLIT", 16, 1)
	GFX90AReserved1   = field(Rsrc3, "RESERVED1", 17, 15)

	GFX10SharedVGPRCount = field(Rsrc3, "SHARED_VGPR_COUNT", 0, 4)
	GFX11InstPrefSize    = field(Rsrc3, "INST_PREF_SIZE", 4, 6)
	GFX11TrapOnStart     = field(Rsrc3, "TRAP_ON_START", 10, 1)
	GFX11TrapOnEnd       = field(Rsrc3, "TRAP_ON_END", 11, 1)
	GFX10Reserved        = field(Rsrc3, "RESERVED", 12, 19)
	GFX10ImageOp         = field(Rsrc3, "IMAGE_OP", 31, 1)

	// GFX9 targets other than gfx90a have no RSRC3 fields at all.
	GFX9Rsrc3 = field(Rsrc3, "RESERVED", 0, 32)
)

// KERNEL_CODE_PROPERTIES
var (
	EnableSGPRPrivateSegmentBuffer = field(KernelCodeProperties, "ENABLE_SGPR_PRIVATE_SEGMENT_BUFFER", 0, 1)
	EnableSGPRDispatchPtr          = field(KernelCodeProperties, "ENABLE_SGPR_DISPATCH_PTR", 1, 1)
	EnableSGPRQueuePtr             = field(KernelCodeProperties, "ENABLE_SGPR_QUEUE_PTR", 2, 1)
	EnableSGPRKernargSegmentPtr    = field(KernelCodeProperties, "ENABLE_SGPR_KERNARG_SEGMENT_PTR", 3, 1)
	EnableSGPRDispatchID           = field(KernelCodeProperties, "ENABLE_SGPR_DISPATCH_ID", 4, 1)
	EnableSGPRFlatScratchInit      = field(KernelCodeProperties, "ENABLE_SGPR_FLAT_SCRATCH_INIT", 5, 1)
	EnableSGPRPrivateSegmentSize   = field(KernelCodeProperties, "ENABLE_SGPR_PRIVATE_SEGMENT_SIZE", 6, 1)
	PropertiesReserved0            = field(KernelCodeProperties, "RESERVED0", 7, 3)
	EnableWavefrontSize32          = field(KernelCodeProperties, "ENABLE_WAVEFRONT_SIZE32", 10, 1)
	UsesDynamicStack               = field(KernelCodeProperties, "USES_DYNAMIC_STACK", 11, 1)
	PropertiesReserved1            = field(KernelCodeProperties, "RESERVED1", 12, 4)
)

// CommonFields are the sub-fields whose layout is the same on every family,
// in word and bit order.
var CommonFields = []Field{
	GranulatedWorkitemVGPRCount, GranulatedWavefrontSGPRCount, Priority,
	FloatRoundMode32, FloatRoundMode1664, FloatDenormMode32, FloatDenormMode1664,
	Priv, EnableDX10Clamp, DebugMode, EnableIEEEMode, Bulky, CdbgUser, FP16Ovfl,
	Rsrc1Reserved0, WGPMode, MemOrdered, FwdProgress,

	EnablePrivateSegment, UserSGPRCount, EnableTrapHandler,
	EnableSGPRWorkgroupIDX, EnableSGPRWorkgroupIDY, EnableSGPRWorkgroupIDZ,
	EnableSGPRWorkgroupInfo, EnableVGPRWorkitemID,
	EnableExceptionAddressWatch, EnableExceptionMemory, GranulatedLDSSize,
	EnableExceptionIEEE754FPInvalidOperation, EnableExceptionFPDenormalSource,
	EnableExceptionIEEE754FPDivisionByZero, EnableExceptionIEEE754FPOverflow,
	EnableExceptionIEEE754FPUnderflow, EnableExceptionIEEE754FPInexact,
	EnableExceptionIntDivideByZero, Rsrc2Reserved0,

	EnableSGPRPrivateSegmentBuffer, EnableSGPRDispatchPtr, EnableSGPRQueuePtr,
	EnableSGPRKernargSegmentPtr, EnableSGPRDispatchID, EnableSGPRFlatScratchInit,
	EnableSGPRPrivateSegmentSize, PropertiesReserved0, EnableWavefrontSize32,
	UsesDynamicStack, PropertiesReserved1,
}
