// Package shellcache is an offline-first cache for single-page web
// applications, modeled on a browser service worker.
//
// A [Worker] is one version of the caching policy. It is driven by events
// through a dispatch table:
//   - install precaches the app shell (the Core Asset List) into the
//     version's static partition
//   - activate deletes every partition of other versions and takes control
//     of open pages
//   - fetch classifies a request and answers it network-first,
//     cache-first or stale-while-revalidate
//   - message handles control messages such as SKIP_WAITING
//
// A [Registration] hosts successive worker versions. It keeps at most one
// active and one waiting version and activates the waiting one when the
// pages of the old version are gone or it asked to skip waiting.
//
// Partitions are provided by a [storage.CacheStorage]; see the memory and
// disk subpackages. The proxy subpackage serves a Registration over HTTP.
//
// # Quick Start
//
// Run a worker for an application origin:
//
//	f, err := fetch.New("https://calc.example")
//	if err != nil {
//	    return err
//	}
//	cs := memory.New()
//	reg := shellcache.NewRegistration(cs)
//	w, err := shellcache.NewWorker(shellcache.DefaultConfig("https://calc.example"), cs, f)
//	if err != nil {
//	    return err
//	}
//	if err := reg.Register(ctx, w); err != nil {
//	    return err
//	}
//
// Serve it:
//
//	h, err := proxy.New(reg, "https://calc.example", f)
//	if err != nil {
//	    return err
//	}
//	return http.ListenAndServe(":8080", h)
//
// # Versions
//
// Partition names embed [Config.Version]. Bumping the version installs a
// fresh static partition next to the old one; the old partitions are
// deleted when the new version activates.
package shellcache
