package transport

import (
	"github.com/ohler55/ojg/jp"
)

var artifactPaths = []jp.Expr{
	jp.MustParseString("$.images[*]"),
	jp.MustParseString("$.gifs[*]"),
	jp.MustParseString("$.audio[*]"),
}

// Artifacts extracts file references from a node output object such as
// {"images": [{"filename": "a.png", "subfolder": "", "type": "output"}]}.
func Artifacts(output any) []Artifact {
	var out []Artifact
	for _, x := range artifactPaths {
		for _, v := range x.Get(output) {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["filename"].(string)
			if name == "" {
				continue
			}
			sub, _ := m["subfolder"].(string)
			typ, _ := m["type"].(string)
			out = append(out, Artifact{Filename: name, Subfolder: sub, Type: typ})
		}
	}
	return out
}
