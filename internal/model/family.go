package model

import "strings"

// Family carries optimizer policy that depends on the model family.
type Family struct {
	Name string
	// ClipGradToUnit clips gradients to norm 1 right after every
	// non-accumulating backward pass, independent of the general clip norm.
	ClipGradToUnit bool
	// LogitBias adds a learnable offset to the similarity logits.
	LogitBias bool
}

var families = []Family{
	{Name: "lift", ClipGradToUnit: true},
	{Name: "siglip", LogitBias: true},
	{Name: "clip"},
}

// ResolveFamily picks the first family whose name appears anywhere in the
// lower-cased model name, so "ViT-B-16-LIFT" is a lift model. Unknown names
// fall back to the plain clip family.
func ResolveFamily(modelName string) Family {
	name := strings.ToLower(modelName)
	for _, f := range families {
		if strings.Contains(name, f.Name) {
			return f
		}
	}
	return Family{Name: "clip"}
}
