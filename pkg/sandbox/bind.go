package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/kiln/pkg/metrics"
)

// Bind is a single host-to-container path mapping.
type Bind struct {
	Host      string
	Container string
	Readonly  bool
}

func clean(p string) string {
	return filepath.Clean(p)
}

// isAncestor reports whether child is parent itself or lies beneath it, and
// if so returns the relative offset from parent to child.
func isAncestor(parent, child string) (rel string, ok bool) {
	parent, child = clean(parent), clean(child)
	if parent == child {
		return ".", true
	}
	prefix := parent
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(child, prefix) {
		return "", false
	}
	return strings.TrimPrefix(child, prefix), true
}

// sameHostFile reports whether two host paths refer to the same filesystem
// object, falling back to clean string equality when neither path exists
// yet (e.g. a not-yet-created output directory).
func sameHostFile(a, b string) bool {
	a, b = clean(a), clean(b)
	if a == b {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(infoA, infoB)
}

// admitBind applies the bind admission rules from the bind admission rules
// section: given the existing bind set and a candidate bind, decide whether
// the candidate is a duplicate (ignore), redundant (ignore, possibly after
// replacing a narrower existing bind), or conflicting (error). The result is
// the bind set to use afterward.
func admitBind(existing []Bind, candidate Bind) ([]Bind, error) {
	out := make([]Bind, 0, len(existing)+1)
	for _, e := range existing {
		// Exact match: same container path, same host file, same mode.
		if e.Container == clean(candidate.Container) &&
			sameHostFile(e.Host, candidate.Host) &&
			e.Readonly == candidate.Readonly {
			return existing, nil
		}

		contRelFromE, eAncestorOfNew := isAncestor(e.Container, candidate.Container)
		hostRelFromE, _ := isAncestor(e.Host, candidate.Host)
		if eAncestorOfNew && e.Readonly == candidate.Readonly && contRelFromE == hostRelFromE {
			// The existing bind already subsumes the candidate.
			return existing, nil
		}

		contRelFromNew, newAncestorOfE := isAncestor(candidate.Container, e.Container)
		hostRelFromNew, _ := isAncestor(candidate.Host, e.Host)
		if newAncestorOfE && e.Readonly == candidate.Readonly && contRelFromNew == hostRelFromNew {
			// The candidate subsumes this existing bind: drop it, the
			// broader bind will be appended below.
			continue
		}

		// Any other container-path overlap is a conflict.
		if _, overlapEInNew := isAncestor(e.Container, candidate.Container); overlapEInNew {
			metrics.BindConflictsTotal.Inc()
			return nil, fmt.Errorf("sandbox: bind conflict: existing %s:%s (ro=%t) vs new %s:%s (ro=%t)",
				e.Host, e.Container, e.Readonly, candidate.Host, candidate.Container, candidate.Readonly)
		}
		if _, overlapNewInE := isAncestor(candidate.Container, e.Container); overlapNewInE {
			metrics.BindConflictsTotal.Inc()
			return nil, fmt.Errorf("sandbox: bind conflict: existing %s:%s (ro=%t) vs new %s:%s (ro=%t)",
				e.Host, e.Container, e.Readonly, candidate.Host, candidate.Container, candidate.Readonly)
		}

		out = append(out, e)
	}
	out = append(out, candidate)
	return out, nil
}
