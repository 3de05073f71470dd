package proxy

import "fmt"

// Static status pages. None of them interpolate user-controlled text; the
// session's error detail is available through the JSON status endpoint, not
// here, which keeps the preview surface free of reflected markup.

const pageStyle = `<style>
body{font-family:system-ui,-apple-system,sans-serif;display:flex;align-items:center;justify-content:center;min-height:100vh;margin:0;background:#0f1117;color:#e2e5ec}
.card{text-align:center;padding:2.5rem 3rem;border-radius:12px;background:#1a1d27;box-shadow:0 4px 24px rgba(0,0,0,.4)}
h1{font-size:1.3rem;margin:0 0 .5rem}
p{margin:0;color:#9aa1b1}
.spinner{width:36px;height:36px;margin:0 auto 1.25rem;border:3px solid #2c3040;border-top-color:#6c8cff;border-radius:50%;animation:spin 1s linear infinite}
@keyframes spin{to{transform:rotate(360deg)}}
</style>`

// loadingPage refreshes itself while setup runs. Served with HTTP 202.
func loadingPage(statusText string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="3"><title>Preview starting</title>%s</head>
<body><div class="card"><div class="spinner"></div><h1>Preview is starting</h1><p>Current step: %s. This page refreshes automatically.</p></div></body></html>`,
		pageStyle, statusText)
}

// retryPage is served when recovery is underway or just failed transiently.
func retryPage() string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="5"><title>Preview recovering</title>%s</head>
<body><div class="card"><div class="spinner"></div><h1>Preview is being restored</h1><p>The session is moving to this server. This page refreshes automatically.</p></div></body></html>`,
		pageStyle)
}

// errorPage renders a terminal state. title and message are compile-time
// constants chosen by the caller, never request data.
func errorPage(title, message string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title>%s</head>
<body><div class="card"><h1>%s</h1><p>%s</p></div></body></html>`,
		title, pageStyle, title, message)
}
