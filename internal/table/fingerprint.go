package table

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"
)

// Fingerprint returns a deterministic content hash of the table, used purely
// for change detection. The serialization is canonical: columns sorted by
// name, rows in table order, nulls encoded explicitly, floats formatted with
// the shortest round-trip representation. Identical content always hashes
// identically across platforms; any cell change alters the digest.
func (t *Table) Fingerprint() string {
	h := sha256.New()

	names := append([]string(nil), t.order...)
	sort.Strings(names)

	h.Write([]byte("rows=" + strconv.Itoa(t.n) + "\n"))
	for _, name := range names {
		c := t.byName[name]
		h.Write([]byte("col=" + name + ";kind=" + c.Kind.String() + "\n"))
		for i := 0; i < t.n; i++ {
			if !c.IsValid(i) {
				h.Write([]byte("\x00null\n"))
				continue
			}
			switch c.Kind {
			case Float:
				h.Write([]byte(strconv.FormatFloat(c.Float[i], 'g', -1, 64)))
			case String:
				h.Write([]byte(c.Str[i]))
			case Bool:
				h.Write([]byte(strconv.FormatBool(c.Bool[i])))
			case Time:
				h.Write([]byte(c.Time[i].UTC().Format(time.RFC3339Nano)))
			}
			h.Write([]byte("\n"))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
