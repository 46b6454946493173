package email

import (
	"bytes"
	"html/template"
)

// The message palette. Changing these changes every rendered message, so they
// are fixed constants rather than configuration.
const (
	colorBackground = "#f9f9f9"
	colorSurface    = "#ffffff"
	colorText       = "#444444"
	colorAccent     = "#346df1"
	colorButtonText = "#ffffff"
)

// verificationTemplate renders the sign-in message as a table layout so the
// markup survives email clients. Only the URL varies between renders.
var verificationTemplate = template.Must(template.New("verification").Parse(
	`<body style="background: ` + colorBackground + `;">
  <table width="100%" border="0" cellspacing="20" cellpadding="0" style="background: ` + colorSurface + `; max-width: 600px; margin: auto; border-radius: 10px;">
    <tr>
      <td align="center" style="padding: 10px 0px; font-size: 22px; font-family: Helvetica, Arial, sans-serif; color: ` + colorText + `;">
        Sign in to your account
      </td>
    </tr>
    <tr>
      <td align="center" style="padding: 20px 0;">
        <table border="0" cellspacing="0" cellpadding="0">
          <tr>
            <td align="center" style="border-radius: 5px;" bgcolor="` + colorAccent + `">
              <a href="{{.URL}}" target="_blank" style="font-size: 18px; font-family: Helvetica, Arial, sans-serif; color: ` + colorButtonText + `; text-decoration: none; border-radius: 5px; padding: 10px 20px; border: 1px solid ` + colorAccent + `; display: inline-block; font-weight: bold;">
                Sign in
              </a>
            </td>
          </tr>
        </table>
      </td>
    </tr>
    <tr>
      <td align="center" style="padding: 0px 0px 10px 0px; font-size: 16px; line-height: 22px; font-family: Helvetica, Arial, sans-serif; color: ` + colorText + `;">
        If you did not request this email you can safely ignore it.
      </td>
    </tr>
  </table>
</body>`))

// renderVerification renders the verification message for a link. Output is
// a pure function of the URL.
func renderVerification(verificationURL string) (string, error) {
	var buf bytes.Buffer
	err := verificationTemplate.Execute(&buf, struct{ URL string }{URL: verificationURL})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
