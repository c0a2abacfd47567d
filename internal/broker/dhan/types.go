package dhan

// consentResponse is returned by the partner generate-consent call.
type consentResponse struct {
	ConsentID     string `json:"consentId"`
	ConsentStatus string `json:"consentAppStatus"`
}

// consumeResponse is returned by the partner consume-consent call.
type consumeResponse struct {
	ClientID    string `json:"dhanClientId"`
	ClientName  string `json:"dhanClientName"`
	AccessToken string `json:"accessToken"`
}

// errorResponse is the dhan error envelope.
type errorResponse struct {
	ErrorType    string `json:"errorType"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}
