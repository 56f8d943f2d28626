// Package manifest models the build-time resource manifest of an offline site:
// a flat mapping of resource key to content checksum plus the ordered core
// shell list that must be cached before a worker version may activate.
// Keys are URL paths relative to the site origin with no leading slash; the
// reserved key "/" aliases the site root. The package also generates manifests
// from a built asset directory and watches manifest files for redeployments.
package manifest
