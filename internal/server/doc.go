// Package server hosts the Fiber HTTP service placed in front of the site
// origin. NewApp attaches panic recovery, the request-id middleware and a
// catch-all route that hands every non-diagnostics request to the proxy, which
// turns it into a worker fetch event. Diagnostics routes under /-/ live in the
// routes subpackage and are registered by main after NewApp returns.
package server
