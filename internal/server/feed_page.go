package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const feedPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Risk Feed · IQMind</title>
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>◉</text></svg>">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b; --bg-subtle: #18181b; --border: #27272a;
            --text: #fafafa; --text-secondary: #a1a1aa; --text-tertiary: #52525b;
            --green: #22c55e; --amber: #f59e0b; --red: #ef4444;
        }
        body {
            font-family: -apple-system, 'Inter', sans-serif;
            background: var(--bg); color: var(--text);
            min-height: 100vh; font-size: 14px;
            -webkit-font-smoothing: antialiased;
        }
        .mono { font-family: ui-monospace, 'JetBrains Mono', monospace; }
        .container { max-width: 800px; margin: 0 auto; padding: 0 24px; }
        header {
            border-bottom: 1px solid var(--border); padding: 16px 0;
            position: sticky; top: 0; background: var(--bg); z-index: 100;
        }
        .header-inner { display: flex; justify-content: space-between; align-items: center; }
        .logo { display: flex; align-items: center; gap: 10px; color: var(--text); }
        .logo-mark { width: 24px; height: 24px; background: var(--green); border-radius: 6px; }
        .logo-text { font-weight: 600; font-size: 15px; }
        .feed-header {
            padding: 48px 0 24px;
            display: flex; justify-content: space-between; align-items: flex-end;
            border-bottom: 1px solid var(--border);
        }
        .feed-title { font-size: 24px; font-weight: 600; margin-bottom: 4px; }
        .feed-desc { color: var(--text-secondary); }
        .live-badge {
            display: flex; align-items: center; gap: 8px;
            background: var(--bg-subtle); border: 1px solid var(--border);
            padding: 8px 14px; border-radius: 20px; font-size: 13px; color: var(--text-secondary);
        }
        .live-dot {
            width: 8px; height: 8px; background: var(--green); border-radius: 50%;
            animation: pulse 2s ease-in-out infinite;
        }
        .live-dot.off { background: var(--red); animation: none; }
        @keyframes pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.4; } }

        .ev {
            display: grid; grid-template-columns: 1fr auto;
            gap: 16px; padding: 20px 0; border-bottom: 1px solid var(--border);
            animation: slideIn 0.3s ease-out;
        }
        @keyframes slideIn { from { opacity: 0; transform: translateY(-8px); } to { opacity: 1; transform: translateY(0); } }
        .ev-type {
            display: inline-block; padding: 2px 8px; border-radius: 4px;
            font-size: 11px; text-transform: uppercase; margin-bottom: 8px;
            background: var(--bg-subtle); border: 1px solid var(--border); color: var(--text-secondary);
        }
        .ev-type.preventive_refund { color: var(--green); }
        .ev-type.new_dispute { color: var(--red); }
        .ev-type.action_downgraded, .ev-type.stuck_actions { color: var(--amber); }
        .ev-detail { color: var(--text-secondary); font-size: 13px; }
        .ev-subject { font-weight: 500; margin-bottom: 4px; }
        .ev-time { font-size: 12px; color: var(--text-tertiary); text-align: right; }
        .empty { text-align: center; padding: 80px 24px; color: var(--text-tertiary); }
    </style>
</head>
<body>
    <header><div class="container header-inner">
        <div class="logo"><div class="logo-mark"></div><span class="logo-text">IQMind Risk</span></div>
        <div class="live-badge"><span class="live-dot" id="dot"></span> <span id="conn">Connecting</span></div>
    </div></header>
    <main class="container">
        <div class="feed-header">
            <div>
                <h1 class="feed-title">Risk Event Feed</h1>
                <p class="feed-desc">Preventive actions and disputes in real time</p>
            </div>
        </div>
        <div id="feed"><div class="empty">Waiting for events...</div></div>
    </main>
    <script>
        const feed = document.getElementById('feed');
        let empty = true;

        function subject(d) {
            return d.email || d.customerEmail || d.subjectEmail || d.userId || d.orderId || '';
        }
        function detail(type, d) {
            switch (type) {
                case 'preventive_refund': return 'Refunded ' + (d.amount ? d.amount + ' EUR' : 'order') + (d.reason ? ' · ' + d.reason : '');
                case 'new_dispute': return 'Dispute opened' + (d.ratio ? ' · ratio now ' + d.ratio.toFixed(2) + '%' : '');
                case 'action_downgraded': return d.reason || 'Downgraded to review flag';
                case 'daily_report': return 'Daily dispute report sent';
                default: return JSON.stringify(d);
            }
        }
        function add(ev) {
            if (empty) { feed.innerHTML = ''; empty = false; }
            const d = ev.data || {};
            const el = document.createElement('div');
            el.className = 'ev';
            el.innerHTML =
                '<div>' +
                    '<span class="ev-type ' + ev.type + '">' + ev.type.replace(/_/g, ' ') + '</span>' +
                    '<div class="ev-subject">' + subject(d) + '</div>' +
                    '<div class="ev-detail">' + detail(ev.type, d) + '</div>' +
                '</div>' +
                '<div class="ev-time mono">' + new Date(ev.timestamp).toLocaleTimeString() + '</div>';
            feed.prepend(el);
            while (feed.children.length > 100) feed.removeChild(feed.lastChild);
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/ws');
            ws.onopen = () => {
                document.getElementById('conn').textContent = 'Live';
                document.getElementById('dot').classList.remove('off');
                ws.send(JSON.stringify({allEvents: true}));
            };
            ws.onmessage = e => { try { add(JSON.parse(e.data)); } catch (_) {} };
            ws.onclose = () => {
                document.getElementById('conn').textContent = 'Reconnecting';
                document.getElementById('dot').classList.add('off');
                setTimeout(connect, 3000);
            };
        }
        connect();
    </script>
</body>
</html>`

func feedPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, feedPageHTML)
}
