// Package metadata builds the identity document served to guests through
// the hypervisor metadata service (MMDS).
package metadata

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"golang.org/x/crypto/ssh"

	"github.com/projecteru2/burrow/types"
)

const guestDevice = "eth0"

// Config holds the inputs for one VM's identity document.
type Config struct {
	ID       string
	Name     string
	Network  types.Network
	DNS      []string
	SSHKeys  []string
	UserData string
}

var tmplFuncs = template.FuncMap{
	// yamlQuote escapes single quotes for YAML single-quoted strings.
	"yamlQuote": func(s string) string {
		return strings.ReplaceAll(s, "'", "''")
	},
}

var userDataTmpl = template.Must(template.New("user-data").Funcs(tmplFuncs).Parse(`#cloud-config
hostname: '{{yamlQuote .Hostname}}'
{{- if .SSHKeys}}
ssh_authorized_keys:
{{- range .SSHKeys}}
  - '{{yamlQuote .}}'
{{- end}}
{{- end}}
`))

// Build returns the identity document. When cfg.UserData is empty a minimal
// cloud-config carrying the hostname and keys is rendered.
func Build(cfg Config) (types.Metadata, error) {
	md := types.Metadata{
		Instance: types.Instance{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Hostname: Hostname(cfg.Name, cfg.ID),
		},
		Network: types.InterfaceInfo{Device: guestDevice},
		SSHKeys: append([]string(nil), cfg.SSHKeys...),
	}
	if cfg.Network.Networked() {
		md.Network.MAC = cfg.Network.MAC
		md.Network.IP = cfg.Network.GuestIP
		md.Network.PrefixLen = cfg.Network.PrefixLen
		md.Network.Gateway = cfg.Network.Gateway
		md.Network.DNS = append([]string(nil), cfg.DNS...)
	}

	md.UserData = cfg.UserData
	if md.UserData == "" {
		var buf bytes.Buffer
		if err := userDataTmpl.Execute(&buf, struct {
			Hostname string
			SSHKeys  []string
		}{md.Instance.Hostname, md.SSHKeys}); err != nil {
			return md, fmt.Errorf("render user-data: %w", err)
		}
		md.UserData = buf.String()
	}
	return md, nil
}

// Reidentify rewrites the identity parts of md for a restored clone: new id,
// name and network. Keys and user data carry over from the snapshot.
func Reidentify(md types.Metadata, id, name string, n types.Network, dns []string) (types.Metadata, error) {
	out := md.Clone()
	userData := out.UserData
	if strings.HasPrefix(userData, "#cloud-config\nhostname: ") {
		// regenerate the default so the hostname follows the new name
		userData = ""
	}
	rebuilt, err := Build(Config{
		ID:       id,
		Name:     name,
		Network:  n,
		DNS:      dns,
		SSHKeys:  out.SSHKeys,
		UserData: userData,
	})
	if err != nil {
		return out, err
	}
	return rebuilt, nil
}

// Hostname derives a DNS-safe hostname from the VM name, falling back to
// the id prefix.
func Hostname(name, id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == ' ':
			b.WriteByte('-')
		}
	}
	h := strings.Trim(b.String(), "-")
	if len(h) > 63 { //nolint:mnd
		h = strings.Trim(h[:63], "-")
	}
	if h == "" {
		h = "vm-" + shortID(id)
	}
	return h
}

// ReadPublicKey loads an authorized_keys formatted key. A missing file
// returns "" and no error.
func ReadPublicKey(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read public key %s: %w", path, err)
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(data); err != nil {
		return "", fmt.Errorf("parse public key %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func shortID(id string) string {
	if len(id) > 8 { //nolint:mnd
		return id[:8]
	}
	return id
}
