package dashboard

import "net/http"

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Relaywork Dashboard</title>
<style>
  :root {
    --bg: #0d1117;
    --surface: #161b22;
    --surface-hover: #1c2129;
    --border: #30363d;
    --text: #e6edf3;
    --text-dim: #8b949e;
    --accent: #58a6ff;
    --green: #3fb950;
    --yellow: #d29922;
    --red: #f85149;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Helvetica, Arial, sans-serif;
    background: var(--bg);
    color: var(--text);
    font-size: 14px;
    line-height: 1.5;
    padding: 16px;
  }
  header {
    display: flex;
    align-items: center;
    justify-content: space-between;
    margin-bottom: 16px;
    padding-bottom: 12px;
    border-bottom: 1px solid var(--border);
  }
  header h1 { font-size: 20px; font-weight: 600; }
  header h1 span { color: var(--accent); }
  .meta { font-size: 12px; color: var(--text-dim); }
  .meta .live { color: var(--green); }
  .meta .down { color: var(--red); }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; }
  @media (max-width: 900px) { .grid { grid-template-columns: 1fr; } }
  .card { background: var(--surface); border: 1px solid var(--border); border-radius: 8px; overflow: hidden; }
  .card-header {
    padding: 10px 14px;
    border-bottom: 1px solid var(--border);
    font-weight: 600;
    font-size: 13px;
    text-transform: uppercase;
    letter-spacing: 0.5px;
    color: var(--text-dim);
    display: flex;
    gap: 6px;
  }
  .card-header .count {
    font-size: 11px;
    background: var(--border);
    padding: 1px 6px;
    border-radius: 10px;
    margin-left: auto;
  }
  .full-width { grid-column: 1 / -1; }
  table { width: 100%; border-collapse: collapse; }
  th {
    text-align: left;
    padding: 8px 14px;
    font-size: 11px;
    color: var(--text-dim);
    text-transform: uppercase;
    border-bottom: 1px solid var(--border);
  }
  td { padding: 8px 14px; border-bottom: 1px solid var(--border); font-size: 13px; vertical-align: top; }
  tr:last-child td { border-bottom: none; }
  tr:hover { background: var(--surface-hover); }
  .badge { display: inline-block; padding: 2px 8px; border-radius: 12px; font-size: 11px; font-weight: 600; text-transform: uppercase; }
  .badge.online, .badge.completed { background: #0d2818; color: var(--green); }
  .badge.busy, .badge.in-progress, .badge.assigned { background: #2a1f0d; color: var(--yellow); }
  .badge.offline { background: var(--border); color: var(--text-dim); }
  .badge.pending { background: #1f2d3d; color: var(--accent); }
  .badge.failed { background: #2d1a1a; color: var(--red); }
  .empty { padding: 14px; color: var(--text-dim); font-style: italic; }
  .mono { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; font-size: 12px; }
  button {
    background: var(--border);
    color: var(--text);
    border: none;
    border-radius: 4px;
    padding: 2px 8px;
    cursor: pointer;
    font-size: 11px;
  }
  button:hover { background: var(--accent); }
</style>
</head>
<body>
<header>
  <h1><span>relay</span>work</h1>
  <div class="meta"><span id="broker"></span> &middot; <span id="updated">loading...</span></div>
</header>

<div class="grid">
  <div class="card full-width">
    <div class="card-header">Agents <span class="count" id="agents-count">0</span></div>
    <div id="agents"></div>
  </div>
  <div class="card">
    <div class="card-header">Work queues <span class="count" id="queues-count">0</span></div>
    <div id="queues"></div>
  </div>
  <div class="card">
    <div class="card-header">Dead letters <span class="count" id="dlq-count">0</span></div>
    <div id="dlq"></div>
  </div>
  <div class="card full-width">
    <div class="card-header">Assignments <span class="count" id="assignments-count">0</span></div>
    <div id="assignments"></div>
  </div>
</div>

<script>
function esc(s) {
  return String(s == null ? '' : s).replace(/[&<>"']/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;',"'":'&#39;'}[c]));
}

function table(el, headers, rows, emptyText) {
  if (rows.length === 0) {
    el.innerHTML = '<div class="empty">' + esc(emptyText) + '</div>';
    return;
  }
  el.innerHTML = '<table><tr>' + headers.map(h => '<th>' + esc(h) + '</th>').join('') + '</tr>' +
    rows.map(r => '<tr>' + r.map(c => '<td>' + c + '</td>').join('') + '</tr>').join('') + '</table>';
}

function badge(s) { return '<span class="badge ' + esc(s) + '">' + esc(s) + '</span>'; }
function short(id) { return '<span class="mono" title="' + esc(id) + '">' + esc(String(id || '').slice(0, 8)) + '</span>'; }

async function getJSON(path) {
  const r = await fetch(path);
  if (!r.ok) throw new Error(path + ': ' + r.status);
  return r.json();
}

async function dlqAction(action, id) {
  await fetch('/api/dlq/' + action + '?id=' + encodeURIComponent(id), {method: 'POST'});
  refresh();
}

async function refresh() {
  try {
    const [agents, queues, dlq, assignments] = await Promise.all([
      getJSON('/api/agents?include_offline=true'),
      getJSON('/api/queues'),
      getJSON('/api/dlq'),
      getJSON('/api/assignments'),
    ]);

    document.getElementById('broker').innerHTML = esc(agents.broker) + ' ' +
      (agents.connected ? '<span class="live">connected</span>' : '<span class="down">disconnected</span>');

    document.getElementById('agents-count').textContent = agents.agents.length;
    table(document.getElementById('agents'),
      ['Handle', 'Type', 'Status', 'Capabilities', 'Tasks', 'Host', 'Heartbeat', 'GUID'],
      agents.agents.map(a => [
        esc(a.handle) + (a.connected ? ' &#9679;' : ''), esc(a.agent_type), badge(a.status),
        esc((a.capabilities || []).join(', ')), esc(a.current_task_count), esc(a.hostname),
        esc(a.last_heartbeat), short(a.guid),
      ]), 'No agents registered');

    document.getElementById('queues-count').textContent = queues.queues.length;
    table(document.getElementById('queues'),
      ['Capability', 'Depth', 'In flight', 'Redelivered'],
      queues.queues.map(q => [esc(q.capability), esc(q.depth), esc(q.inFlight), esc(q.redelivered)]),
      'No work queues');

    document.getElementById('dlq-count').textContent = dlq.depth;
    table(document.getElementById('dlq'),
      ['Item', 'Capability', 'Reason', 'Attempts', 'Age', ''],
      dlq.items.map(d => [
        short(d.id), esc(d.capability), esc(d.reason), esc(d.attempts), esc(d.age),
        '<button onclick="dlqAction(\'retry\', \'' + esc(d.id) + '\')">retry</button> ' +
        '<button onclick="dlqAction(\'discard\', \'' + esc(d.id) + '\')">discard</button>',
      ]), 'Dead letter queue is empty');

    document.getElementById('assignments-count').textContent = assignments.assignments.length;
    table(document.getElementById('assignments'),
      ['Item', 'Task', 'Capability', 'Status', 'Progress', 'Attempts', 'Assigned to', 'Age'],
      assignments.assignments.map(s => {
        const a = s.assignment;
        return [short(a.workItemId), esc(a.taskId), esc(a.capability), badge(a.status),
          esc(a.progress) + '%', esc(a.attempts) + '/' + esc(a.maxAttempts), short(a.assignedTo), esc(s.age)];
      }), assignments.enabled ? 'No tracked assignments' : 'Coordinator disabled');

    document.getElementById('updated').textContent = 'updated ' + new Date().toLocaleTimeString();
  } catch (e) {
    document.getElementById('updated').textContent = 'error: ' + e.message;
  }
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
