package ports

// SecretStore seals sensitive values (preimages, invite payloads) behind
// opaque handles. Dispatcher results carry handles, never raw secrets; a
// later operation resolves the handle back.
type SecretStore interface {
	Seal(kind, value string) (handle string, err error)
	Resolve(handle string) (value string, err error)
}
