package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/browser/assets"
)

// bridgePayload is the prepared HTML pasted into the app's HTML file.
func bridgePayload(sess *session) string {
	return assets.BridgePage(sess.identity.Index)
}

// agentPayload is the agent source pasted into the app's code file.
func agentPayload() string {
	return assets.AgentSource()
}

const (
	editorLoadTimeout  = 60 * time.Second
	codeControlTimeout = 60 * time.Second
	agentInitTimeout   = 90 * time.Second

	maxRemixAttempts = 5
)

type flavour int

const (
	flavourLegacy flavour = iota
	flavourRemix
)

func (f flavour) String() string {
	if f == flavourRemix {
		return "remix"
	}
	return "legacy"
}

// Console lines emitted by the agent that signal it is up. The legacy
// flavour exposes them in the page body; the remix flavour's iframe is
// cross-origin so they are observed on the console instead.
var initMarkers = []string{"Connection successful", "Connecting to server", "System initializing"}

const initSuccessMarker = "Connection successful"

// injectAgent runs the editor automation that plants the agent into the
// upstream app and waits for it to come alive. The caller still verifies
// the socket against the registry afterwards.
func (m *Manager) injectAgent(ctx context.Context, sess *session) error {
	page := sess.page

	// Early listener: catches the app-already-running case where the agent
	// connects before any editing happens.
	earlyCtx, cancelEarly := context.WithCancel(ctx)
	defer cancelEarly()
	earlyInit := watchConsoleForInit(page, earlyCtx)

	if err := waitForEditor(page); err != nil {
		return &ActivationFailed{Stage: "editor", Err: err}
	}

	fl := detectFlavour(page)
	log.Debugf("identity %d editor flavour: %s", sess.identity.Index, fl)

	for attempt := 1; ; attempt++ {
		err := m.injectOnce(ctx, sess, fl, earlyInit)
		if err == nil {
			return nil
		}
		if attempt >= maxRemixAttempts || !isRecoverableEditorError(err) {
			return err
		}
		log.Warnf("identity %d injection attempt %d failed (%v), reloading", sess.identity.Index, attempt, err)
		target := sess.identity.State.AppURL
		if target == "" {
			target = blankAppURL
		}
		if errNav := page.Timeout(editorLoadTimeout).Navigate(target); errNav != nil {
			return &ActivationFailed{Stage: "editor", Err: errNav}
		}
		_ = page.Timeout(editorLoadTimeout).WaitLoad()
		if errWait := waitForEditor(page); errWait != nil {
			return &ActivationFailed{Stage: "editor", Err: errWait}
		}
	}
}

func (m *Manager) injectOnce(ctx context.Context, sess *session, fl flavour, earlyInit <-chan struct{}) error {
	page := sess.page

	if fl == flavourRemix {
		if err := m.submitRemixDialog(sess); err != nil {
			return err
		}
	}

	if err := clickCodeControl(page); err != nil {
		return &ActivationFailed{Stage: "code-control", Err: err}
	}

	// The remix flavour carries two files: the bridge page into the HTML
	// file, then the agent into the TypeScript file. Legacy apps only take
	// the agent paste.
	if fl == flavourRemix {
		if err := m.pasteIntoFile(sess, "index.html", bridgePayload(sess)); err != nil {
			return &ActivationFailed{Stage: "paste", Err: err}
		}
	}
	if err := m.pasteIntoFile(sess, "index.tsx", agentPayload()); err != nil {
		return &ActivationFailed{Stage: "paste", Err: err}
	}

	saved := clickByText(page, "Save")
	var secondInit <-chan struct{}
	if saved {
		// A save means code changed, so Preview restarts the app; the
		// post-restart init lines need their own listener.
		secondCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		secondInit = watchConsoleForInit(page, secondCtx)
	}

	if !clickByText(page, "Preview") {
		log.Debugf("identity %d: no Preview control, assuming app already running", sess.identity.Index)
	}
	time.Sleep(2 * time.Second)
	if err := checkEditorErrors(page); err != nil {
		return err
	}

	sendActiveTrigger(page)

	if err := waitForInit(page, fl, earlyInit, secondInit); err != nil {
		return &ActivationFailed{Stage: "init", Err: err}
	}
	return nil
}

// waitForEditor waits for the app workspace to render.
func waitForEditor(page *rod.Page) error {
	deadline := time.Now().Add(editorLoadTimeout)
	for time.Now().Before(deadline) {
		res, err := page.Timeout(5 * time.Second).Eval(`() => {
  const buttons = [...document.querySelectorAll('button')];
  return buttons.some((b) => {
    const t = (b.innerText || '').trim();
    return t === 'Code' || t === 'Remix' || t === 'Preview';
  });
}`)
		if err == nil && res.Value.Bool() {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("editor did not load within %s", editorLoadTimeout)
}

func detectFlavour(page *rod.Page) flavour {
	res, err := page.Timeout(5 * time.Second).Eval(`() => {
  const buttons = [...document.querySelectorAll('button')];
  return buttons.some((b) => (b.innerText || '').trim() === 'Remix');
}`)
	if err == nil && res.Value.Bool() {
		return flavourRemix
	}
	return flavourLegacy
}

// submitRemixDialog fills and submits the Remix dialog, then waits for the
// URL to settle on a stable /apps/{id} path. The learned deep link is saved
// on the identity.
func (m *Manager) submitRemixDialog(sess *session) error {
	page := sess.page
	removeBackdrops(page)
	name := fmt.Sprintf("app-%d-%d", sess.identity.Index, time.Now().Unix()%100000)
	_, err := page.Timeout(10*time.Second).Eval(`(name) => {
  const field = document.querySelector('input[type="text"], input:not([type])');
  if (field) {
    field.value = name;
    field.dispatchEvent(new Event('input', { bubbles: true }));
  }
  const buttons = [...document.querySelectorAll('button')];
  const remix = buttons.find((b) => (b.innerText || '').trim() === 'Remix');
  if (!remix) return false;
  remix.click();
  return true;
}`, name)
	if err != nil {
		return &ActivationFailed{Stage: "remix", Err: err}
	}

	deadline := time.Now().Add(codeControlTimeout)
	for time.Now().Before(deadline) {
		info, errInfo := page.Info()
		if errInfo == nil && strings.Contains(info.URL, "/apps/") && !strings.Contains(info.URL, "scratch") {
			sess.identity.State.AppURL = info.URL
			log.Infof("identity %d learned app link %s", sess.identity.Index, info.URL)
			return nil
		}
		if errEd := checkEditorErrors(page); errEd != nil {
			return errEd
		}
		time.Sleep(time.Second)
	}
	return &ActivationFailed{Stage: "remix", Err: fmt.Errorf("remix did not produce an app URL within %s", codeControlTimeout)}
}

// clickCodeControl locates the "Code" control through the ordered selector
// list, removing modal backdrops before each attempt.
func clickCodeControl(page *rod.Page) error {
	deadline := time.Now().Add(codeControlTimeout)
	for time.Now().Before(deadline) {
		removeBackdrops(page)
		res, err := page.Timeout(5 * time.Second).Eval(`() => {
  const buttons = [...document.querySelectorAll('button, [role="tab"]')];
  const candidates = [
    buttons.find((b) => (b.innerText || '').trim() === 'Code'),
    buttons.find((b) => (b.innerText || '').trim() === 'Editor'),
    document.querySelector('button[aria-label*="code" i], [data-test-id*="code" i]'),
    buttons.find((b) => {
      const icon = b.querySelector('mat-icon, .material-icons, .material-symbols-outlined');
      return icon && (icon.innerText || '').trim() === 'code';
    }),
  ];
  const target = candidates.find((c) => c);
  if (!target) return 'missing';
  if (target.disabled) return 'disabled';
  target.click();
  return 'clicked';
}`)
		if err == nil && res.Value.Str() == "clicked" {
			return nil
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("code control not clickable within %s", codeControlTimeout)
}

// pasteIntoFile opens a file tab by name and replaces its contents with the
// payload: clipboard write, focus, select-all, paste.
func (m *Manager) pasteIntoFile(sess *session, fileName, payload string) error {
	page := sess.page
	removeBackdrops(page)

	if _, err := page.Timeout(10*time.Second).Eval(`(name) => {
  const tabs = [...document.querySelectorAll('[role="tab"], .file-tab, .tab')];
  const tab = tabs.find((t) => (t.innerText || '').trim().includes(name));
  if (tab) tab.click();
  return Boolean(tab);
}`, fileName); err != nil {
		return fmt.Errorf("failed to open file %s: %w", fileName, err)
	}
	time.Sleep(500 * time.Millisecond)

	if err := m.primeClipboard(sess, payload); err != nil {
		return err
	}

	if _, err := page.Timeout(10 * time.Second).Eval(`() => {
  const editor = document.querySelector('.monaco-editor textarea, .cm-content, textarea');
  if (editor) editor.focus();
  return Boolean(editor);
}`); err != nil {
		return fmt.Errorf("failed to focus editor: %w", err)
	}

	modifier := input.ControlLeft
	if runtime.GOOS == "darwin" {
		modifier = input.MetaLeft
	}
	if err := page.KeyActions().Press(modifier).Type(input.KeyA).Release(modifier).Do(); err != nil {
		return fmt.Errorf("select-all failed: %w", err)
	}
	if err := page.KeyActions().Press(modifier).Type(input.KeyV).Release(modifier).Do(); err != nil {
		return fmt.Errorf("paste failed: %w", err)
	}
	time.Sleep(500 * time.Millisecond)
	return nil
}

// primeClipboard writes the payload to the browser clipboard just before the
// paste keystroke consumes it.
func (m *Manager) primeClipboard(sess *session, payload string) error {
	grant := proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{
			proto.BrowserPermissionTypeClipboardReadWrite,
			proto.BrowserPermissionTypeClipboardSanitizedWrite,
		},
		BrowserContextID: sess.context.BrowserContextID,
	}
	if err := grant.Call(m.browser); err != nil {
		log.Debugf("clipboard permission grant: %v", err)
	}
	_, err := sess.page.Timeout(10 * time.Second).Evaluate(
		rod.Eval(`(text) => navigator.clipboard.writeText(text)`, payload).ByPromise())
	if err != nil {
		return fmt.Errorf("clipboard write failed: %w", err)
	}
	return nil
}

// clickByText clicks the first visible button with the exact label.
func clickByText(page *rod.Page, label string) bool {
	removeBackdrops(page)
	res, err := page.Timeout(5*time.Second).Eval(`(label) => {
  const buttons = [...document.querySelectorAll('button')];
  const target = buttons.find((b) => (b.innerText || '').trim() === label && b.offsetParent !== null);
  if (!target || target.disabled) return false;
  target.click();
  return true;
}`, label)
	return err == nil && res.Value.Bool()
}

// editorError is a transient editor failure worth a reload-and-retry.
type editorError struct{ text string }

func (e *editorError) Error() string { return "editor error: " + e.text }

func isRecoverableEditorError(err error) bool {
	var ee *editorError
	return errors.As(err, &ee)
}

// checkEditorErrors scans the page for the concurrent-update / snapshot /
// init-failure banners that call for a reload.
func checkEditorErrors(page *rod.Page) error {
	res, err := page.Timeout(5 * time.Second).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return nil
	}
	text := res.Value.Str()
	for _, marker := range []string{"concurrent update", "snapshot", "failed to initialize"} {
		if strings.Contains(strings.ToLower(text), marker) {
			return &editorError{text: marker}
		}
	}
	return nil
}

// sendActiveTrigger fires a benign in-page request so the upstream backend
// wakes the app runtime.
func sendActiveTrigger(page *rod.Page) {
	_, err := page.Timeout(10 * time.Second).Eval(
		`() => { fetch(location.origin + '/apps', { credentials: 'include' }).catch(() => {}); }`)
	if err != nil {
		log.Debugf("active trigger: %v", err)
	}
}

// watchConsoleForInit streams console lines until one matches the agent's
// success marker, then closes the returned channel.
func watchConsoleForInit(page *rod.Page, ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	scoped := page.Context(ctx)
	go scoped.EachEvent(func(e *proto.RuntimeConsoleAPICalled) bool {
		var parts []string
		for _, arg := range e.Args {
			parts = append(parts, arg.Value.Str())
		}
		line := strings.Join(parts, " ")
		if strings.Contains(line, initSuccessMarker) {
			close(done)
			return true
		}
		return false
	})()
	return done
}

// waitForInit blocks until the agent reports readiness. The legacy flavour
// is detected by polling the body text; the remix flavour's iframe is
// cross-origin so the console listeners decide.
func waitForInit(page *rod.Page, fl flavour, earlyInit, secondInit <-chan struct{}) error {
	deadline := time.NewTimer(agentInitTimeout)
	defer deadline.Stop()

	if fl == flavourLegacy {
		poll := time.NewTicker(2 * time.Second)
		defer poll.Stop()
		for {
			select {
			case <-earlyInit:
				return nil
			case <-deadline.C:
				return fmt.Errorf("agent did not initialize within %s", agentInitTimeout)
			case <-poll.C:
				res, err := page.Timeout(5 * time.Second).Eval(`() => document.body ? document.body.innerText : ''`)
				if err != nil {
					continue
				}
				text := res.Value.Str()
				if strings.Contains(text, initSuccessMarker) {
					return nil
				}
				for _, marker := range initMarkers {
					if strings.Contains(text, marker) {
						log.Debugf("agent progress: %s", marker)
					}
				}
			}
		}
	}

	if secondInit == nil {
		secondInit = make(chan struct{})
	}
	select {
	case <-earlyInit:
		return nil
	case <-secondInit:
		return nil
	case <-deadline.C:
		return fmt.Errorf("agent did not initialize within %s", agentInitTimeout)
	}
}
