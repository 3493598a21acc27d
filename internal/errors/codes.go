// Package errors provides structured error handling for annexwatch.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO and persistence errors
//   - 3XX: Content tracker (git / git-annex) errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	CategoryConfig     Category = "CONFIG"
	CategoryIO         Category = "IO"
	CategoryTracker    Category = "TRACKER"
	CategoryValidation Category = "VALIDATION"
	CategoryInternal   Category = "INTERNAL"
)

// Severity decides what the process does with an error.
type Severity string

const (
	// SeverityFatal stops the daemon; the status cache can no longer be trusted.
	SeverityFatal Severity = "FATAL"
	// SeverityError fails the operation only.
	SeverityError Severity = "ERROR"
	// SeverityWarning is degraded operation that a later trigger retries.
	SeverityWarning Severity = "WARNING"
)

const (
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	ErrCodeFileNotFound  = "ERR_201_FILE_NOT_FOUND"
	ErrCodePermission    = "ERR_202_PERMISSION"
	ErrCodeDiskFull      = "ERR_203_DISK_FULL"
	ErrCodeStoreOpen     = "ERR_205_STORE_OPEN"
	ErrCodeStoreRead     = "ERR_206_STORE_READ"
	ErrCodePersistence   = "ERR_207_PERSISTENCE"
	ErrCodeAlreadyLocked = "ERR_208_ALREADY_LOCKED"
	ErrCodeNotRunning    = "ERR_209_DAEMON_NOT_RUNNING"

	ErrCodeTrackerFailed  = "ERR_301_TRACKER_FAILED"
	ErrCodeTrackerTimeout = "ERR_302_TRACKER_TIMEOUT"
	ErrCodeTrackerOutput  = "ERR_303_TRACKER_OUTPUT"
	ErrCodeNotARepository = "ERR_304_NOT_A_REPOSITORY"
	ErrCodeCircuitOpen    = "ERR_305_CIRCUIT_OPEN"

	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidPath  = "ERR_402_INVALID_PATH"
	ErrCodeUnknownTree  = "ERR_403_UNKNOWN_TREE"

	ErrCodeInternal  = "ERR_501_INTERNAL"
	ErrCodeScanAbort = "ERR_502_SCAN_ABORTED"
)

// Process exit statuses, from sysexits(3).
const (
	ExitFailure     = 1
	ExitUsage       = 64
	ExitUnavailable = 69
	ExitSoftware    = 70
	ExitIO          = 74
	ExitTempFail    = 75
	ExitConfig      = 78
)

type codeInfo struct {
	severity  Severity
	retryable bool
	exit      int
}

// codes lists the behavior of every known code. Codes not listed are plain
// errors of their range's category.
var codes = map[string]codeInfo{
	ErrCodeConfigNotFound: {severity: SeverityError, exit: ExitConfig},
	ErrCodeConfigInvalid:  {severity: SeverityError, exit: ExitConfig},

	ErrCodeDiskFull:      {severity: SeverityFatal, exit: ExitIO},
	ErrCodeStoreOpen:     {severity: SeverityFatal, exit: ExitIO},
	ErrCodePersistence:   {severity: SeverityFatal, exit: ExitIO},
	ErrCodeAlreadyLocked: {severity: SeverityError, exit: ExitTempFail},
	ErrCodeNotRunning:    {severity: SeverityError, exit: ExitUnavailable},

	ErrCodeTrackerFailed:  {severity: SeverityWarning, retryable: true},
	ErrCodeTrackerTimeout: {severity: SeverityWarning, retryable: true},
	ErrCodeCircuitOpen:    {severity: SeverityError, exit: ExitTempFail},

	ErrCodeInvalidInput: {severity: SeverityError, exit: ExitUsage},
	ErrCodeInvalidPath:  {severity: SeverityError, exit: ExitUsage},
	ErrCodeUnknownTree:  {severity: SeverityError, exit: ExitUsage},

	ErrCodeInternal:  {severity: SeverityError, exit: ExitSoftware},
	ErrCodeScanAbort: {severity: SeverityWarning, retryable: true},
}

func lookup(code string) codeInfo {
	if info, ok := codes[code]; ok {
		if info.exit == 0 {
			info.exit = ExitFailure
		}
		return info
	}
	return codeInfo{severity: SeverityError, exit: ExitFailure}
}

// categoryOf maps the hundreds digit of code to its category.
func categoryOf(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryTracker
	case '4':
		return CategoryValidation
	}
	return CategoryInternal
}
