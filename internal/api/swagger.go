package api

import (
	_ "embed"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"agentflow/backend/internal/auth"
)

//go:embed openapi.yaml
var openapiSpec string

// RegisterDocs serves the OpenAPI document and a Swagger UI configured for
// PKCE login against the same Okta issuer the service trusts.
func RegisterDocs(e *echo.Echo, oktaIssuer, clientID string) {
	e.GET("/openapi.yaml", SpecHandler(oktaIssuer))
	e.GET("/docs", SwaggerHandler(oktaIssuer, clientID))
	e.GET("/docs/oauth2-redirect.html", OAuthRedirectHandler)
}

// SpecHandler serves the OpenAPI spec with the {oktaIssuer} placeholder
// replaced, so clients don't have to know the issuer URL.
func SpecHandler(oktaIssuer string) echo.HandlerFunc {
	spec := strings.ReplaceAll(openapiSpec, "{oktaIssuer}", oktaIssuer)
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", []byte(spec))
	}
}

// SwaggerHandler serves the Swagger UI.
func SwaggerHandler(oktaIssuer, clientID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		oauth2Redirect := c.Scheme() + "://" + r.Host + "/docs/oauth2-redirect.html"

		html := strings.NewReplacer(
			"${SPEC_URL}", "/openapi.yaml",
			"${OAUTH2_REDIRECT}", oauth2Redirect,
			"${OKTA_DOMAIN}", oktaIssuer,
			"${CLIENT_ID}", clientID,
			"${SCOPES}", strings.Join(auth.AllScopes, " "),
		).Replace(swaggerHTML)
		return c.HTML(http.StatusOK, html)
	}
}

// OAuthRedirectHandler serves the OAuth2 redirect page used by Swagger UI
func OAuthRedirectHandler(c echo.Context) error {
	return c.HTML(http.StatusOK, oauthRedirectHTML)
}

const swaggerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>agentflow API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist/swagger-ui-bundle.js"></script>
  <script>
  window.onload = function() {
    const ui = SwaggerUIBundle({
      url: "${SPEC_URL}",
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout",
      oauth2RedirectUrl: "${OAUTH2_REDIRECT}",
    });
    window.ui = ui;

    // PKCE, no client secret
    ui.initOAuth({
      clientId: "${CLIENT_ID}",
      scopes: "${SCOPES}",
      usePkceWithAuthorizationCodeGrant: true,
    });
  }
  </script>
</body>
</html>`

const oauthRedirectHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"/><title>OAuth2 Redirect</title></head>
<body>
<script>
if (window.opener && window.opener.swaggerUIRedirectCallback) {
  window.opener.swaggerUIRedirectCallback(window.location.href);
}
</script>
</body>
</html>`
