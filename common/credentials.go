package common

import "os"

const (
	EnvAPIKey      = "MKS_API_KEY"
	EnvAccessToken = "MKS_ACCESS_TOKEN"
)

// Credentials holds the API key and access token used to authenticate
// against both the price stream and the recommendation API.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// CredentialsFromEnv returns the user's credentials as configured through
// the environment for use through the SDK.
func CredentialsFromEnv() *Credentials {
	return &Credentials{
		APIKey:      os.Getenv(EnvAPIKey),
		AccessToken: os.Getenv(EnvAccessToken),
	}
}
