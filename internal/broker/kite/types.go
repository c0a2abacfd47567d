package kite

// tokenResponse is the body returned by the session/token exchange.
type tokenResponse struct {
	Status string `json:"status"`
	Data   struct {
		UserID      string `json:"user_id"`
		UserName    string `json:"user_name"`
		AccessToken string `json:"access_token"`
		PublicToken string `json:"public_token"`
	} `json:"data"`
}

// errorResponse is the standard error envelope on the kite API.
type errorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}
