package irq

// ExceptionNum identifies an exception number that can be passed to
// HandleException or HandleExceptionWithCode.
type ExceptionNum uint8

const (
	// DoubleFault occurs when an exception is unhandled, or when an
	// exception occurs while the CPU is trying to call an exception
	// handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a page table or page-table entry
	// referenced by a virtual address is not present, or when a
	// privilege/RW protection check against it fails. The faulting
	// address is available via cpu.ReadCR2 for the duration of the
	// handler.
	PageFaultException = ExceptionNum(14)
)

// ExceptionHandler handles an exception that does not push an error code to
// the stack. If the handler returns, any modifications to the supplied
// Frame and/or Regs are propagated back to the location where the
// exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code
// to the stack. If the handler returns, any modifications to the supplied
// Frame and/or Regs are propagated back to the location where the
// exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// HandleException registers an exception handler (without an error code)
// for the given exception number. It is implemented in assembly: it
// installs a trampoline into the interrupt descriptor table that saves the
// register/frame state before invoking handler.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler)

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given exception number, following the same trampoline
// scheme as HandleException.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode)
