package skill

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ruster/ruster/internal/wire"
)

const (
	skillFileName   = "SKILL.md"
	maxSkillMDBytes = 2 << 20 // 2 MiB
)

type frontmatter struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Tools       []frontmatterTool `yaml:"tools"`
	Metadata    map[string]any  `yaml:"metadata"`
}

type frontmatterTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Exec        string         `yaml:"exec"`
}

// Load reads and validates a single skill directory, returning a fully
// loaded Skill (frontmatter, tools, and body all populated).
func Load(dir string) (wire.Skill, error) {
	root, err := filepath.Abs(filepath.Clean(strings.TrimSpace(dir)))
	if err != nil {
		return wire.Skill{}, err
	}
	if resolved, rerr := filepath.EvalSymlinks(root); rerr == nil && resolved != "" {
		root = resolved
	}

	st, err := os.Stat(root)
	if err != nil {
		return wire.Skill{}, err
	}
	if !st.IsDir() {
		return wire.Skill{}, fmt.Errorf("not a directory: %s", root)
	}

	loc := filepath.Join(root, skillFileName)

	if lst, lerr := os.Lstat(loc); lerr == nil {
		if lst.Mode()&os.ModeSymlink != 0 {
			return wire.Skill{}, errors.New("SKILL.md must not be a symlink")
		}
	}

	raw, digest, err := readAllLimitedAndDigest(loc)
	if err != nil {
		return wire.Skill{}, err
	}

	fmText, body, hasFM, err := splitFrontmatter(string(raw))
	if err != nil {
		return wire.Skill{}, err
	}
	if !hasFM {
		return wire.Skill{}, errors.New("SKILL.md must contain YAML frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
		return wire.Skill{}, fmt.Errorf("invalid frontmatter YAML: %w", err)
	}

	name := strings.TrimSpace(fm.Name)
	desc := strings.TrimSpace(fm.Description)

	if err := validateName(name, filepath.Base(root)); err != nil {
		return wire.Skill{}, err
	}
	if err := validateDescription(desc); err != nil {
		return wire.Skill{}, err
	}

	tools, err := convertTools(fm.Tools)
	if err != nil {
		return wire.Skill{}, err
	}

	body = strings.TrimLeft(body, "\r\n")

	return wire.Skill{
		Name:        name,
		Description: desc,
		Body:        body,
		Tools:       tools,
		RootDir:     root,
		Location:    loc,
		Digest:      "sha256:" + digest,
	}, nil
}

func convertTools(in []frontmatterTool) ([]wire.ToolDef, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]wire.ToolDef, 0, len(in))
	seen := map[string]struct{}{}
	for _, t := range in {
		n := strings.TrimSpace(t.Name)
		if n == "" {
			return nil, errors.New("tool entry missing name")
		}
		if _, ok := seen[n]; ok {
			return nil, fmt.Errorf("duplicate tool name in SKILL.md: %s", n)
		}
		seen[n] = struct{}{}

		var params json.RawMessage
		if t.Parameters != nil {
			b, err := json.Marshal(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %s: invalid parameters: %w", n, err)
			}
			params = b
		}
		out = append(out, wire.ToolDef{
			Name:        n,
			Description: strings.TrimSpace(t.Description),
			Parameters:  params,
			Exec:        t.Exec,
		})
	}
	return out, nil
}

func readAllLimitedAndDigest(path string) (data []byte, hexDigest string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err = io.ReadAll(io.LimitReader(f, int64(maxSkillMDBytes)+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxSkillMDBytes {
		return nil, "", fmt.Errorf("SKILL.md too large (max %d bytes)", maxSkillMDBytes)
	}

	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

func splitFrontmatter(s string) (fm, body string, has bool, err error) {
	br := bufio.NewReader(strings.NewReader(s))

	first, ferr := br.ReadString('\n')
	if ferr != nil && !errors.Is(ferr, io.EOF) {
		return "", "", false, ferr
	}
	first = strings.TrimRight(first, "\r\n")
	if strings.TrimSpace(first) != "---" {
		return "", s, false, nil
	}

	var lines []string
	foundEnd := false
	for {
		line, lerr := br.ReadString('\n')
		if lerr != nil && !errors.Is(lerr, io.EOF) {
			return "", "", false, lerr
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(trimmed) == "---" {
			foundEnd = true
			break
		}
		lines = append(lines, trimmed)
		if errors.Is(lerr, io.EOF) {
			break
		}
	}
	if !foundEnd {
		return "", "", false, errors.New("unterminated frontmatter (missing closing ---)")
	}

	rest, err := io.ReadAll(br)
	if err != nil {
		return "", "", false, err
	}
	return strings.Join(lines, "\n"), string(rest), true, nil
}

func validateName(name, dirBase string) error {
	if name == "" {
		return errors.New("frontmatter.name is required")
	}
	if len(name) > 64 {
		return errors.New("frontmatter.name too long (max 64)")
	}
	if name != dirBase {
		return fmt.Errorf("frontmatter.name %q must match directory name %q", name, dirBase)
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return errors.New("frontmatter.name must not start or end with '-'")
	}
	if strings.Contains(name, "--") {
		return errors.New("frontmatter.name must not contain consecutive '--'")
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			continue
		}
		return fmt.Errorf("frontmatter.name contains invalid character %q", string(r))
	}
	return nil
}

func validateDescription(desc string) error {
	if desc == "" {
		return errors.New("frontmatter.description is required")
	}
	if len(desc) > 1024 {
		return errors.New("frontmatter.description too long (max 1024)")
	}
	return nil
}
