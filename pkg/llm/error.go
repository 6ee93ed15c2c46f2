package llm

// ErrorResponse is the JSON body returned by the HTTP surface on failure.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
