package transport

import "net/http"

const chromeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// BrowserHeaders builds the camouflaged header *value* set for the outbound
// GET upgrade, per spec.md §4.4: a handler inspecting header presence and
// content sees the set a current mainstream browser would send. Wire-level
// header *order* is not controlled: Dial hands this to
// gorilla/websocket.Dialer, whose handshake writer serialises through
// net/http's Header.Write, which sorts keys alphabetically regardless of
// the order they were Set in. Reproducing Chrome's exact byte-for-byte
// header order would require replacing gorilla/websocket's handshake
// writer with a raw, order-preserving one; see DESIGN.md for why that
// tradeoff isn't taken here.
func BrowserHeaders(hiddenDataB64 string) http.Header {
	h := http.Header{}
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
	h.Set("Origin", "https://www.google.com")
	h.Set("User-Agent", chromeUserAgent)
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("hidden", hiddenDataB64)
	return h
}
