package view

import (
	"bytes"
	"html/template"
	"net/http"
)

// ShellPageData feeds the concealment shell. Its only dynamic value is the
// token-derived embed path; the room never appears in this document.
type ShellPageData struct {
	EmbedPath string
}

// EmbedPageData feeds the page that actually joins the room.
type EmbedPageData struct {
	Domain        string
	RoomName      string
	ScriptURL     string
	JWT           string
	DisplayName   string
	HeartbeatPath string
	LeavePath     string
	HeartbeatMs   int64
	// Heartbeat enables the keep-alive loop and the leave beacon.
	Heartbeat bool
}

// ErrorPageData feeds the failure page. It never includes token or room.
type ErrorPageData struct {
	Status  int
	Title   string
	Message string
}

const pageStyle = `
		:root { --bg: #000; --text: #e6f0f3; --muted: #93a4ad; }
		html, body { height: 100%; margin: 0; background: var(--bg); color: var(--text);
			font-family: system-ui, -apple-system, "Segoe UI", Arial, sans-serif; overflow: hidden; }
		.frame { position: fixed; inset: 0; width: 100vw; height: 100vh; border: 0; }
		.card { position: absolute; top: 50%; left: 50%; transform: translate(-50%, -50%);
			width: min(440px, 90vw); text-align: center; }
		.card h1 { font-size: 1.4rem; margin-bottom: 8px; }
		.card p { color: var(--muted); margin: 0; }`

var shellPageTmpl = template.Must(template.New("shell_page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8" />
	<meta name="viewport" content="width=device-width, initial-scale=1" />
	<meta name="referrer" content="no-referrer" />
	<title>Joining…</title>
	<style>` + pageStyle + `
	</style>
</head>
<body>
	<iframe class="frame" src="{{.EmbedPath}}" allow="camera; microphone; fullscreen; display-capture; autoplay" referrerpolicy="no-referrer"></iframe>
</body>
</html>
`))

var embedPageTmpl = template.Must(template.New("embed_page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8" />
	<meta name="viewport" content="width=device-width, initial-scale=1" />
	<meta name="referrer" content="no-referrer" />
	<title>Viewer</title>
	<script src="{{.ScriptURL}}"></script>
	<style>` + pageStyle + `
		#room { position: fixed; inset: 0; }
	</style>
</head>
<body>
	<div id="room" aria-label="meeting"></div>
	<script>
	(function () {
		const options = {
			roomName: {{.RoomName}},
			parentNode: document.getElementById("room"),
			userInfo: { displayName: {{.DisplayName}} },
			configOverwrite: {
				prejoinPageEnabled: false,
				prejoinConfig: { enabled: false },
				disableInitialGUM: true,
				startWithAudioMuted: true,
				startWithVideoMuted: true,
				filmstrip: { disabled: true }
			},
			interfaceConfigOverwrite: {
				TOOLBAR_BUTTONS: [],
				SHOW_JITSI_WATERMARK: false,
				SHOW_BRAND_WATERMARK: false,
				SHOW_POWERED_BY: false,
				SHOW_CHROME_EXTENSION_BANNER: false,
				SHOW_PARTICIPANT_NAME: false,
				VIDEO_LAYOUT_FIT: "both"
			},
			width: "100%",
			height: "100%"
		};
		{{if .JWT}}options.jwt = {{.JWT}};{{end}}

		let api = null;
		try {
			api = new JitsiMeetExternalAPI({{.Domain}}, options);
		} catch (err) {
			document.getElementById("room").innerHTML = "<div class=\"card\"><h1>Unable to start the meeting</h1></div>";
			return;
		}
		{{if .Heartbeat}}
		const heartbeatPath = {{.HeartbeatPath}};
		const leavePath = {{.LeavePath}};
		const beat = function () {
			fetch(heartbeatPath, { method: "POST", credentials: "same-origin", headers: { "Content-Type": "application/json" }, body: "{}" })
				.then(function (res) {
					if (res.status === 403 || res.status === 410) {
						clearInterval(timer);
						if (api) { api.dispose(); api = null; }
						document.getElementById("room").innerHTML = "<div class=\"card\"><h1>This link is no longer yours</h1><p>It was opened elsewhere or has expired.</p></div>";
					}
				})
				.catch(function () {});
		};
		const timer = setInterval(beat, {{.HeartbeatMs}});
		window.addEventListener("pagehide", function () {
			navigator.sendBeacon(leavePath, new Blob(["{}"], { type: "application/json" }));
		});
		{{end}}
	})();
	</script>
</body>
</html>
`))

var errorPageTmpl = template.Must(template.New("error_page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8" />
	<meta name="viewport" content="width=device-width, initial-scale=1" />
	<title>{{.Title}}</title>
	<style>` + pageStyle + `
	</style>
</head>
<body>
	<div class="card">
		<h1>{{.Title}}</h1>
		<p>{{.Message}}</p>
	</div>
</body>
</html>
`))

// RenderShellPage expands the concealment shell.
func RenderShellPage(data ShellPageData) (string, error) {
	return render(shellPageTmpl, data)
}

// RenderEmbedPage expands the room page.
func RenderEmbedPage(data EmbedPageData) (string, error) {
	if data.DisplayName == "" {
		data.DisplayName = "Viewer"
	}
	return render(embedPageTmpl, data)
}

// RenderErrorPage expands the failure page, filling in defaults from the status.
func RenderErrorPage(data ErrorPageData) (string, error) {
	if data.Title == "" {
		data.Title = http.StatusText(data.Status)
	}
	if data.Title == "" {
		data.Title = "Something went wrong"
	}
	return render(errorPageTmpl, data)
}

func render(tmpl *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
