package webservice

import "net/http"

type DConfigManager = dConfigManager

// HTTPServer returns the HTTP server for testing purposes.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// WithCORS exposes the CORS middleware for testing purposes.
var WithCORS = withCORS

// WithRequestTimeout exposes the request deadline middleware for testing purposes.
var WithRequestTimeout = withRequestTimeout
