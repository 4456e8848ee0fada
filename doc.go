/*
Package yankbank is a tool for tracking gems yanked from a RubyGems mirror.

yankbank remembers every gem version a mirror has ever listed and derives the
ones that have since disappeared. Features include:
  - Shared snapshot store on Redis or SQLite
  - Locked, idempotent merges of upstream snapshots
  - Legacy Marshal 4.8 manifests for yanked and current gems
  - Export to the local filesystem and S3-compatible object storage
  - PGP verification of the upstream index
  - HTTP lookup service with Prometheus metrics

The main packages are:

	github.com/mirrorctl/yankbank/internal/gem       - gem identities and version ordering
	github.com/mirrorctl/yankbank/internal/store     - snapshot store backends
	github.com/mirrorctl/yankbank/internal/manifest  - Marshal 4.8 manifest encoding
	github.com/mirrorctl/yankbank/internal/sink      - export sinks
	github.com/mirrorctl/yankbank/internal/yank      - reconciler, configuration and sync pipeline
	github.com/mirrorctl/yankbank/internal/server    - HTTP lookup service
	github.com/mirrorctl/yankbank/cmd/yankbank       - command-line interface
*/
package yankbank
