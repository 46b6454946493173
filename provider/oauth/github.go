package oauth

import "github.com/aponia-io/aponia/checks"

// GitHub returns the default config for GitHub's OAuth app flow. The caller
// still sets OnAuth and may override any field before passing the config to
// New.
func GitHub(clientID, clientSecret string) Config {
	return Config{
		ID:           "github",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoints: Endpoints{
			Authorization: Endpoint{
				URL:    "https://github.com/login/oauth/authorize",
				Params: map[string]string{"scope": "read:user user:email"},
			},
			Token:    TokenEndpoint{URL: "https://github.com/login/oauth/access_token"},
			UserInfo: UserInfoEndpoint{URL: "https://api.github.com/user"},
		},
		Checks: []string{checks.CheckPKCE, checks.CheckState},
	}
}
