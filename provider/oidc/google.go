package oidc

// Google returns the default config for Google's OIDC issuer. The caller
// still sets OnAuth and may override any field before passing the config to
// New.
func Google(clientID, clientSecret string) Config {
	return Config{
		ID:           "google",
		Issuer:       "https://accounts.google.com",
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}
