package ledger

// Result is the boundary form of an operation outcome: {success: true} on
// commit, {success: false, error} on any failure.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ResultOf converts an engine error into a Result.
func ResultOf(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	return Result{Success: false, Error: err.Error(), Code: ErrorCode(err)}
}

// Err converts a Result back into an error (nil on success).
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	code := r.Code
	if code == "" {
		code = CodeInternal
	}
	return ErrorFromCode(code, r.Error)
}
