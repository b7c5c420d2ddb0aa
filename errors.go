package refreshable

// SentinelError is an error with a constant, comparable underlying value.
type SentinelError string

// ErrInitialProduction indicates the producer failed on its first,
// synchronous call and no DefaultValue was configured to salvage it.
const ErrInitialProduction = SentinelError("refreshable: initial production failed")

// Error implements error.
func (e SentinelError) Error() string {
	return string(e)
}
