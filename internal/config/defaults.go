package config

// 站点外壳：install 阶段必须成功缓存的关键资源。
var defaultCriticalAssets = []string{
	"/",
	"/index.html",
	"/_assets/site.css",
	"/_assets/site.js",
	"/manifest.json",
	"/rowhni_logo_day.png",
}

// 子页面、法律页面与截图。
var defaultStaticAssets = []string{
	"/support/",
	"/privacy/",
	"/browserconfig.xml",
	"/Screenshots/image1.jpg",
	"/Screenshots/image2.jpg",
	"/Screenshots/image3.jpg",
	"/Screenshots/image4.jpg",
	"/Screenshots/2118C33D-97FE-4130-8CC0-968C6765DFC7.png",
}

// CDN 动画库与 Web 字体，尽力缓存。
var defaultExternalAssets = []string{
	"https://cdnjs.cloudflare.com/ajax/libs/gsap/3.12.5/gsap.min.js",
	"https://cdnjs.cloudflare.com/ajax/libs/gsap/3.12.5/ScrollTrigger.min.js",
	"https://cdnjs.cloudflare.com/ajax/libs/gsap/3.12.5/ScrollToPlugin.min.js",
	"https://cdnjs.cloudflare.com/ajax/libs/gsap/3.12.5/TextPlugin.min.js",
	"https://fonts.gstatic.com/s/spacegrotesk/v13/V8mQQoyDLAp5cP2D2lNP65C3E0-sJp4S.woff2",
	"https://fonts.gstatic.com/s/playfairdisplay/v32/nuFvD-vYSZviVYUb_rj3ij__anPXJzDwcbmjWBN2PKdFvXDPYA.woff2",
}

var defaultVibrate = []int{200, 100, 200}

// 通知展示默认值。
const (
	DefaultPushIcon      = "/rowhni_logo_day.png"
	DefaultPushBadge     = "/icons/icon-72x72.png"
	DefaultSubscribePath = "/api/subscribe"
)

// DefaultVibrate 返回默认震动模式的副本。
func DefaultVibrate() []int {
	return append([]int(nil), defaultVibrate...)
}

// DefaultManifest 返回内置清单的副本，调用方可以自由修改。
func DefaultManifest() Manifest {
	return Manifest{
		Critical: append([]string(nil), defaultCriticalAssets...),
		Static:   append([]string(nil), defaultStaticAssets...),
		External: append([]string(nil), defaultExternalAssets...),
	}
}
