package fileset

// Normalize merges a freshly generated file map into the previously published one.
//
// Every non-entry file of incoming is kept verbatim; non-entry files of existing
// are dropped because each cycle resends the whole project. At most one entry
// component survives: when both sides carry one, the existing path is kept
// (the editor may have it open) with the incoming content. Bootstrap candidates
// in incoming are reduced to one so the result never holds two.
func Normalize(incoming, existing FileSet) FileSet {
	incomingEntries, incomingBootstraps := incoming.byRole()
	existingEntries, _ := existing.byRole()
	bootstrap := pick(incomingBootstraps, bootstrapPriority)

	b := newBuilder(incoming.Len() + 1)
	for _, f := range incoming.Files() {
		switch f.Role {
		case RoleEntry:
			continue
		case RoleBootstrap:
			if f.Path != bootstrap {
				continue
			}
		}
		b.set(f.Path, f.Content)
	}

	switch {
	case len(existingEntries) > 0 && len(incomingEntries) > 0:
		keep := pick(existingEntries, entryPriority)
		src, _ := incoming.Get(pick(incomingEntries, entryPriority))
		b.set(keep, src.Content)
	case len(incomingEntries) > 0:
		src, _ := incoming.Get(pick(incomingEntries, entryPriority))
		b.set(src.Path, src.Content)
	case len(existingEntries) > 0:
		kept, _ := existing.Get(pick(existingEntries, entryPriority))
		b.set(kept.Path, kept.Content)
	}

	return b.build()
}
