package types

// API error codes
const (
	CodeInvalidArgument = "RIG_400"
	CodeUnauthorized    = "AUTH_401"
	CodeForbidden       = "AUTH_403"
	CodeNotFound        = "RIG_404"
	CodeNotConnected    = "RIG_409"
	CodeConflict        = "RIG_409"
	CodeInternal        = "RIG_500"
	CodeDeviceComm      = "RIG_502"
	CodeUnavailable     = "RIG_503"
	CodeTimeout         = "RIG_504"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the error envelope every API handler returns.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
