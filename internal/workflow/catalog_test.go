package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

const txt2imgManifest = `
name: txt2img
workflow: txt2img.json
inputs:
  seed: 3.inputs.seed
  steps: 3.inputs.steps
  positive: 6.inputs.text
  checkpoint: 4.inputs.ckpt_name
outputs:
  images: "9"
optional: [checkpoint]
path_inputs: [checkpoint]
`

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	//   dir/
	//     flows/txt2img.yaml
	//     flows/txt2img.json
	//     flows/nested/upscale.yaml
	//     flows/nested/upscale.json
	//     flows/link.yaml -> flows/txt2img.yaml
	writeFile(t, filepath.Join(dir, "flows", "txt2img.yaml"), txt2imgManifest)
	writeFile(t, filepath.Join(dir, "flows", "txt2img.json"), txt2imgJSON)
	writeFile(t, filepath.Join(dir, "flows", "nested", "upscale.yaml"), `
name: upscale
workflow: upscale.json
inputs:
  image: "1.inputs.image"
outputs:
  images: "2"
`)
	writeFile(t, filepath.Join(dir, "flows", "nested", "upscale.json"),
		`{"1": {"class_type": "LoadImage", "inputs": {"image": ""}}, "2": {"class_type": "SaveImage", "inputs": {"images": ["1", 0]}}}`)
	require.NoError(t, os.Symlink(filepath.Join(dir, "flows", "txt2img.yaml"), filepath.Join(dir, "flows", "link.yaml")))

	catalog, err := LoadCatalog([]string{filepath.Join(dir, "flows", "**", "*.yaml")})
	require.NoError(t, err)

	assert.Equal(t, []string{"txt2img", "upscale"}, catalog.Names())
	assert.Equal(t, 2, catalog.Len())

	entry, err := catalog.Get("txt2img")
	require.NoError(t, err)
	assert.Equal(t, []string{"positive", "seed", "steps"}, entry.Template.Required())
	assert.True(t, entry.IsPathInput("checkpoint"))
	assert.False(t, entry.IsPathInput("seed"))

	_, err = catalog.Get("inpaint")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestLoadCatalog_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), txt2imgManifest)
	writeFile(t, filepath.Join(dir, "b.yaml"), txt2imgManifest)
	writeFile(t, filepath.Join(dir, "txt2img.json"), txt2imgJSON)

	_, err := LoadCatalog([]string{filepath.Join(dir, "*.yaml")})
	assert.Error(t, err)
}

func TestLoadManifest_Errors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		workflow string
		wantErr  error
	}{
		{
			name:     "missing name",
			manifest: "workflow: wf.json\n",
			workflow: txt2imgJSON,
		},
		{
			name:     "missing workflow file",
			manifest: "name: x\nworkflow: absent.json\n",
			workflow: txt2imgJSON,
		},
		{
			name:     "bad node path",
			manifest: "name: x\nworkflow: wf.json\ninputs:\n  seed: 30.inputs.seed\noutputs:\n  images: \"9\"\n",
			workflow: txt2imgJSON,
			wantErr:  ErrInvalidPath,
		},
		{
			name:     "optional key not an input",
			manifest: "name: x\nworkflow: wf.json\ninputs:\n  seed: 3.inputs.seed\noutputs:\n  images: \"9\"\noptional: [cfg]\n",
			workflow: txt2imgJSON,
			wantErr:  ErrUnknownKey,
		},
		{
			name:     "path input not an input",
			manifest: "name: x\nworkflow: wf.json\ninputs:\n  seed: 3.inputs.seed\noutputs:\n  images: \"9\"\npath_inputs: [ckpt]\n",
			workflow: txt2imgJSON,
			wantErr:  ErrUnknownKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "m.yaml")
			writeFile(t, path, tt.manifest)
			writeFile(t, filepath.Join(dir, "wf.json"), tt.workflow)

			_, err := LoadManifest(path)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
