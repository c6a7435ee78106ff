package browser

import "fmt"

// gpuProfile is one stable WebGL identity presented to the upstream page.
type gpuProfile struct {
	Vendor   string
	Renderer string
}

// Three realistic desktop GPU profiles. One identity always maps to one
// profile; the selection is driven by the identity's stable seed so the
// fingerprint survives restarts.
var gpuProfiles = [3]gpuProfile{
	{Vendor: "Google Inc. (Intel)", Renderer: "ANGLE (Intel, Intel(R) UHD Graphics 630 (0x00003E9B) Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{Vendor: "Google Inc. (NVIDIA)", Renderer: "ANGLE (NVIDIA, NVIDIA GeForce GTX 1660 (0x00002184) Direct3D11 vs_5_0 ps_5_0, D3D11)"},
	{Vendor: "Google Inc. (AMD)", Renderer: "ANGLE (AMD, AMD Radeon RX 580 Series (0x000067DF) Direct3D11 vs_5_0 ps_5_0, D3D11)"},
}

// profileFor picks the GPU profile for a seed.
func profileFor(seed uint32) gpuProfile {
	return gpuProfiles[seed%3]
}

// canvasNoiseFor derives a tiny deterministic perturbation applied to
// canvas-style fingerprints. Small enough not to corrupt rendering.
func canvasNoiseFor(seed uint32) float64 {
	return float64(seed%1000) / 1e7
}

// StealthScript builds the first-run page script for an identity. It removes
// the webdriver marker, presents a non-empty plugin list, pins the WebGL
// vendor/renderer queries (parameters 37445/37446) to the seed-selected
// profile, and installs the deterministic canvas noise variable.
func StealthScript(seed uint32) string {
	profile := profileFor(seed)
	noise := canvasNoiseFor(seed)
	return fmt.Sprintf(`(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
  delete navigator.__proto__.webdriver;

  if (navigator.plugins.length === 0) {
    Object.defineProperty(navigator, 'plugins', {
      get: () => ({ length: 3, 0: {}, 1: {}, 2: {} }),
    });
  }

  const vendor = %q;
  const renderer = %q;
  const patchGL = (proto) => {
    if (!proto) return;
    const original = proto.getParameter;
    proto.getParameter = function (parameter) {
      if (parameter === 37445) return vendor;
      if (parameter === 37446) return renderer;
      return original.call(this, parameter);
    };
  };
  patchGL(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  patchGL(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);

  window.__canvas_noise__ = %v;
})();`, profile.Vendor, profile.Renderer, noise)
}
