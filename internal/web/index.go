package web

// indexHTML is the embedded single-page viewer. It drives the JSON API and
// keeps the admin controls hidden until a session exists.
const indexHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>picvault</title>
<style>
  body { margin: 0; font-family: system-ui, sans-serif; background: #111; color: #eee; }
  header { display: flex; align-items: center; gap: 1rem; padding: .6rem 1rem; background: #1b1b1b; }
  header h1 { font-size: 1rem; margin: 0; flex: 1; }
  main { display: flex; flex-direction: column; align-items: center; padding: 1rem; gap: .8rem; }
  img#photo { max-width: 96vw; max-height: 72vh; border-radius: 6px; }
  #caption { max-width: 60rem; color: #bbb; font-size: .9rem; white-space: pre-wrap; }
  .row { display: flex; gap: .5rem; flex-wrap: wrap; justify-content: center; }
  button { background: #2d2d2d; color: #eee; border: 1px solid #444; border-radius: 4px; padding: .45rem .9rem; cursor: pointer; }
  button:hover { background: #3a3a3a; }
  button.admin { display: none; }
  body.is-admin button.admin { display: inline-block; }
  #status { min-height: 1.2rem; font-size: .85rem; color: #8c8; }
  #status.err { color: #e88; }
  #login input { background: #222; color: #eee; border: 1px solid #444; border-radius: 4px; padding: .4rem; }
</style>
</head>
<body>
<header>
  <h1>picvault</h1>
  <form id="login">
    <input type="password" id="pw" placeholder="admin password" autocomplete="current-password">
    <button type="submit">login</button>
  </form>
  <button id="logout" class="admin" type="button">logout</button>
</header>
<main>
  <img id="photo" alt="">
  <div id="caption"></div>
  <div class="row">
    <button id="next" type="button">next</button>
    <button id="analyze" class="admin" type="button">analyze</button>
    <button id="publish" class="admin" type="button">publish</button>
    <button id="keep" class="admin" type="button">keep</button>
    <button id="remove" class="admin" type="button">remove</button>
  </div>
  <div id="status"></div>
</main>
<script>
(function () {
  var current = null;
  var statusEl = document.getElementById('status');

  function setStatus(msg, isErr) {
    statusEl.textContent = msg || '';
    statusEl.className = isErr ? 'err' : '';
  }

  function api(method, path, body) {
    var opts = { method: method, headers: {} };
    if (body) {
      opts.headers['Content-Type'] = 'application/json';
      opts.body = JSON.stringify(body);
    }
    return fetch(path, opts).then(function (resp) {
      return resp.json().catch(function () { return {}; }).then(function (data) {
        if (!resp.ok) { throw new Error(data.detail || ('HTTP ' + resp.status)); }
        return data;
      });
    });
  }

  function render(img) {
    current = img;
    document.getElementById('photo').src = img.temp_url || '';
    var lines = [img.filename];
    if (img.sidecar && img.sidecar.caption) { lines.push(img.sidecar.caption); }
    document.getElementById('caption').textContent = lines.join('\n');
  }

  function next() {
    setStatus('loading...');
    api('GET', '/api/images/random').then(function (img) {
      render(img);
      setStatus('');
    }).catch(function (err) { setStatus(err.message, true); });
  }

  function act(name, path, extra) {
    if (!current) { return; }
    setStatus(name + '...');
    api('POST', '/api/images/' + encodeURIComponent(current.filename) + path, extra)
      .then(function () { setStatus(name + ' ok'); next(); })
      .catch(function (err) { setStatus(err.message, true); });
  }

  function refreshAdmin() {
    api('GET', '/api/admin/status').then(function (st) {
      document.body.classList.toggle('is-admin', !!st.admin);
    }).catch(function () {});
  }

  document.getElementById('next').addEventListener('click', next);
  document.getElementById('analyze').addEventListener('click', function () { act('analyze', '/analyze'); });
  document.getElementById('publish').addEventListener('click', function () { act('publish', '/publish', {}); });
  document.getElementById('keep').addEventListener('click', function () { act('keep', '/keep'); });
  document.getElementById('remove').addEventListener('click', function () { act('remove', '/remove'); });

  document.getElementById('login').addEventListener('submit', function (ev) {
    ev.preventDefault();
    var pw = document.getElementById('pw');
    api('POST', '/api/admin/login', { password: pw.value }).then(function () {
      pw.value = '';
      refreshAdmin();
      setStatus('admin session started');
    }).catch(function (err) { setStatus(err.message, true); });
  });

  document.getElementById('logout').addEventListener('click', function () {
    api('POST', '/api/admin/logout').then(function () {
      refreshAdmin();
      setStatus('logged out');
    }).catch(function (err) { setStatus(err.message, true); });
  });

  refreshAdmin();
  next();
})();
</script>
</body>
</html>
`
