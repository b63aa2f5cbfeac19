package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/vivarium-controller/internal/dispatch"
	"github.com/sweeney/vivarium-controller/internal/events"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"describe": dispatch.Describe,
	"clock": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.Format("2006-01-02 15:04:05")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Vivarium Controller</title>
<style>
body { font-family: monospace; max-width: 800px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.degraded { color: red; }
.connected { color: green; }
.disconnected { color: red; }
#log { height: 12em; overflow-y: auto; background: #f6f6f6; padding: 4px; }
</style>
</head>
<body>
<h1>Vivarium Controller</h1>

<h2>Relays</h2>
<table>
<tr><th>#</th><th>Name</th><th>Type</th><th>State</th><th>Mode</th></tr>
{{range .Channels}}<tr>
<td>{{.Index}}</td><td>{{.Name}}</td><td>{{.Type}}</td>
<td class="{{if .Degraded}}degraded{{else if .CurrentState}}on{{else}}off{{end}}">{{describe .Type .CurrentState}}{{if .Degraded}} (degraded){{end}}</td>
<td>{{if not .Enabled}}disabled{{else if .ManualOverride}}manual {{if .ManualState}}on{{else}}off{{end}}{{else}}auto{{end}}</td>
</tr>{{end}}
</table>

<h2>Tanks</h2>
<table>
<tr><th>Name</th><th>Temperature</th><th>Humidity</th><th>Last reading</th></tr>
{{range .Tanks}}<tr>
<td>{{.Tank.Name}}{{if not .Tank.Active}} (inactive){{end}}</td>
<td>{{.Tank.TempMin}}–{{.Tank.TempMax}} °C</td>
<td>{{if .Tank.HasHumidityBounds}}{{.Tank.HumidityMin}}–{{.Tank.HumidityMax}} %{{else}}-{{end}}</td>
<td>{{clock .LastSeen}}</td>
</tr>{{end}}
</table>

<h2>Controller</h2>
<table>
<tr><th>Ready</th><td>{{if .Status.Ready}}yes{{else}}no{{end}}</td></tr>
<tr><th>Bus owner</th><td>{{if .Status.Leader}}yes{{else}}standby{{end}}</td></tr>
<tr><th>Ticks</th><td>{{.Status.Ticks}}</td></tr>
<tr><th>Last tick</th><td>{{clock .Status.Last.At}}</td></tr>
<tr><th>Open alerts</th><td>{{.Status.OpenAlerts}}</td></tr>
<tr><th>MQTT</th><td class="{{if .Status.MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .Status.MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Status.Config.Broker}}</td></tr>
{{if .Status.Network}}<tr><th>Network</th><td>{{.Status.Network.Status}} ({{.Status.Network.Type}}{{if .Status.Network.SSID}}, {{.Status.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Status.Network.IP}}</td></tr>{{end}}
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Bus</th><td>{{.Status.Config.Bus}}</td></tr>
<tr><th>Tick</th><td>{{.Status.Config.TickMs}}ms</td></tr>
<tr><th>Timezone</th><td>{{.Status.Config.Timezone}}</td></tr>
</table>

<h2>Events</h2>
<pre id="log">{{range .Events}}{{clock .Timestamp}} [{{.Level}}] {{.Message}}
{{end}}</pre>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var log = document.getElementById("log");
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/api/events/ws");
  var first = true;
  ws.onmessage = function(ev) {
    try {
      var r = JSON.parse(ev.data);
      if (first) { log.textContent = ""; first = false; }
      log.textContent += r.timestamp + " [" + r.level + "] " + r.message + "\n";
      log.scrollTop = log.scrollHeight;
    } catch (e) {}
  };
})();
</script>
</body>
</html>
`

type tankRow struct {
	Tank     logic.Tank
	LastSeen time.Time
}

type pageData struct {
	Status   status.Snapshot
	Uptime   time.Duration
	Channels []logic.Channel
	Tanks    []tankRow
	Events   []events.Record
}

func (s *Server) pageData() pageData {
	snap := s.deps.Tracker.Snapshot()
	table := s.deps.Store.Snapshot()

	seen := make(map[int64]time.Time, len(snap.Sensors))
	for _, si := range snap.Sensors {
		seen[si.TankID] = si.LastSeen.In(s.deps.Location)
	}
	tanks := make([]tankRow, 0, len(table.Tanks))
	for _, t := range table.Tanks {
		tanks = append(tanks, tankRow{Tank: t, LastSeen: seen[t.ID]})
	}

	var recent []events.Record
	if s.deps.Events != nil {
		recent = s.deps.Events.Recent(20)
		for i := range recent {
			recent[i].Timestamp = recent[i].Timestamp.In(s.deps.Location)
		}
	}
	return pageData{
		Status:   snap,
		Uptime:   snap.Uptime(),
		Channels: table.Channels,
		Tanks:    tanks,
		Events:   recent,
	}
}

func renderHTML(w io.Writer, data pageData) error {
	return indexTmpl.Execute(w, data)
}
