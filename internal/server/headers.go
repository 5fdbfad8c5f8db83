package server

import "net/http"

// copyRequestHeaders copies relevant headers from the shell request to the API request,
// excluding hop-by-hop headers (per RFC 9110) and credentials. The API
// transport attaches its own Authorization.
func copyRequestHeaders(dst, src http.Header) {
	for k, v := range src {
		switch k {
		case "Connection", "Upgrade", "Host",
			"Keep-Alive", "Transfer-Encoding", "TE", "Trailer",
			"Proxy-Authorization", "Proxy-Authenticate",
			"Authorization", "Cookie", csrfHeader,
			"Accept-Encoding", "Content-Length", "Origin":
			continue
		}
		dst[k] = v
	}
}

// copyResponseHeaders copies the API response headers worth returning to the shell
func copyResponseHeaders(dst, src http.Header) {
	for k, v := range src {
		switch k {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Trailer",
			"Set-Cookie", "Content-Length",
			"Access-Control-Allow-Origin", "Access-Control-Allow-Credentials":
			continue
		}
		dst[k] = v
	}
}
