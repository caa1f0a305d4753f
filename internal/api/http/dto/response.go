package dto

// Response is the envelope of every API reply. Exactly one of Data and Error
// is set.
type Response struct {
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Message string `json:"message"`
}

func OK(data any) Response {
	return Response{Data: data}
}

func Err(message string) Response {
	return Response{Error: &ErrorBody{Message: message}}
}

type HealthResponse struct {
	Status string `json:"status"`
}
