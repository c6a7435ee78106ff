package browser

import (
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	log "github.com/sirupsen/logrus"
)

const (
	healthTick   = 4 * time.Second
	antiIdleGap  = time.Minute
	stateSaveGap = 24 * time.Hour
	wakeMaxIdle  = 30 * time.Second
)

// healthMonitor keeps the page looking attended: occasional human-like
// input, a periodic anti-idle click, a daily state save, and a sweep of
// backdrops and dismissable banners on every tick.
func (m *Manager) healthMonitor(sess *session) {
	ticker := time.NewTicker(healthTick)
	defer ticker.Stop()

	lastAntiIdle := time.Now()
	lastSave := time.Now()

	for {
		select {
		case <-sess.stop:
			return
		case <-ticker.C:
		}

		if rand.Float64() < 0.3 {
			jiggle(sess.page)
		}
		if time.Since(lastAntiIdle) >= antiIdleGap {
			antiIdleClick(sess.page)
			lastAntiIdle = time.Now()
		}
		if time.Since(lastSave) >= stateSaveGap {
			if err := m.saveSessionState(sess); err != nil {
				log.Warnf("periodic state save for identity %d: %v", sess.identity.Index, err)
			}
			lastSave = time.Now()
		}
		clickDismissButtons(sess.page)
	}
}

// jiggle performs a tiny scroll and a short mouse trace inside the top-left
// 80% of the viewport.
func jiggle(page *rod.Page) {
	_ = page.Mouse.Scroll(0, float64(rand.Intn(21)-10), 1)
	startX := float64(rand.Intn(1536))
	startY := float64(rand.Intn(864))
	for step := 0; step < 3; step++ {
		_ = page.Mouse.MoveTo(proto.Point{
			X: startX + float64(rand.Intn(41)-20),
			Y: startY + float64(rand.Intn(41)-20),
		})
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// antiIdleClick presses and releases near the viewport origin where nothing
// interactive lives.
func antiIdleClick(page *rod.Page) {
	_ = page.Mouse.MoveTo(proto.Point{X: 1, Y: 1})
	_ = page.Mouse.Down(proto.InputMouseButtonLeft, 1)
	_ = page.Mouse.Up(proto.InputMouseButtonLeft, 1)
}

// wakeLoop hunts the "Launch" control that the upstream shows when the app
// runtime has been put to sleep. It idles progressively longer while the
// control is absent but wakes immediately on user activity.
type wakeLoop struct {
	page     *rod.Page
	stop     <-chan struct{}
	activity chan struct{}
}

func newWakeLoop(page *rod.Page, stop <-chan struct{}) *wakeLoop {
	return &wakeLoop{page: page, stop: stop, activity: make(chan struct{}, 1)}
}

// notify wakes the loop without blocking; redundant notifications coalesce.
func (w *wakeLoop) notify() {
	select {
	case w.activity <- struct{}{}:
	default:
	}
}

func (w *wakeLoop) run() {
	idle := time.Second
	for {
		if w.scanAndClick() {
			idle = time.Second
		} else if idle < wakeMaxIdle {
			idle *= 2
			if idle > wakeMaxIdle {
				idle = wakeMaxIdle
			}
		}
		select {
		case <-w.stop:
			return
		case <-w.activity:
			idle = time.Second
		case <-time.After(idle):
		}
	}
}

const findLaunchControlJS = `() => {
  const center = (el) => {
    const r = el.getBoundingClientRect();
    return { x: r.x + r.width / 2, y: r.y + r.height / 2 };
  };
  const isLaunch = (b) => {
    const icon = b.querySelector('mat-icon, .material-icons, .material-symbols-outlined');
    if (icon && (icon.innerText || '').trim() === 'rocket_launch') return true;
    return (b.innerText || '').trim() === 'Launch';
  };
  for (const dialog of document.querySelectorAll('[role="dialog"], mat-dialog-container')) {
    for (const b of dialog.querySelectorAll('button')) {
      if (isLaunch(b) && b.offsetParent !== null) return center(b);
    }
  }
  for (const b of document.querySelectorAll('button')) {
    if (!isLaunch(b) || b.offsetParent === null) continue;
    const r = b.getBoundingClientRect();
    if (r.y >= 400 && r.y <= 800) return center(b);
  }
  return null;
}`

// scanAndClick looks for the launch control and clicks it: physical mouse
// input first, a programmatic click if the control survives. Returns true
// when a control was found.
func (w *wakeLoop) scanAndClick() bool {
	res, err := w.page.Timeout(5 * time.Second).Eval(findLaunchControlJS)
	if err != nil || res.Value.Nil() {
		return false
	}
	point := proto.Point{X: res.Value.Get("x").Num(), Y: res.Value.Get("y").Num()}

	_ = w.page.Mouse.MoveTo(point)
	_ = w.page.Mouse.Down(proto.InputMouseButtonLeft, 1)
	_ = w.page.Mouse.Up(proto.InputMouseButtonLeft, 1)
	time.Sleep(time.Second)

	// Still visible: the physical click missed, fall back to a DOM click.
	res, err = w.page.Timeout(5 * time.Second).Eval(findLaunchControlJS)
	if err == nil && !res.Value.Nil() {
		log.Debug("launch control survived physical click, clicking programmatically")
		_, _ = w.page.Timeout(5 * time.Second).Eval(`() => {
  const isLaunch = (b) => {
    const icon = b.querySelector('mat-icon, .material-icons, .material-symbols-outlined');
    if (icon && (icon.innerText || '').trim() === 'rocket_launch') return true;
    return (b.innerText || '').trim() === 'Launch';
  };
  for (const b of document.querySelectorAll('button')) {
    if (isLaunch(b) && b.offsetParent !== null) { b.click(); return; }
  }
}`)
	}
	return true
}
