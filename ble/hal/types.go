package hal

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

// String returns a string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelNone:
		return "NONE"
	case LogLevelError:
		return "ERROR"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// LogCallback is a function type for logging messages
type LogCallback func(level LogLevel, message string)

// Advertisement represents a single received BLE advertisement
type Advertisement struct {
	Address   string
	LocalName string
	RSSI      int16
}

// AdvertisementCallback is invoked for every advertisement received while a
// scan is running. It is called from the adapter's scan goroutine; receivers
// must hand the value off to their own event loop rather than block.
type AdvertisementCallback func(adv Advertisement)
