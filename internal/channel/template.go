package channel

import (
	"strings"

	"campaign-engine/internal/models"
)

// Render substitutes merge fields into a template body. A single
// interpolation pass; anything fancier belongs to the template service
// upstream.
func Render(template string, r models.Recipient) string {
	name := r.Name
	if name == "" {
		name = "there"
	}
	out := strings.ReplaceAll(template, "{name}", name)
	out = strings.ReplaceAll(out, "{address}", r.Address)
	return out
}
