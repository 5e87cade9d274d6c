// Package discovery advertises hubs on the local network over mDNS and
// finds them from clients.
//
// A hub registers one "_notifyhub._tcp" service per process. Its TXT
// records carry the API version, the framed transport port, the HTTP port
// and whether TLS is required:
//
//	api=3.4 tcp=8011 http=8080 tls=0 id=hub-1
//
// Browsers aggregate the records of one instance seen on several
// interfaces into a single HubService.
package discovery
