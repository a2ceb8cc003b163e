package tools

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RepoInfo is the harvested view of a cloned repository.
type RepoInfo struct {
	URL      string            `json:"url"`
	Name     string            `json:"name"`
	Readme   string            `json:"readme"`
	FileTree []string          `json:"file_tree"`
	KeyFiles map[string]string `json:"key_files"`
	ClonedAt time.Time         `json:"cloned_at"`
}

const (
	maxRepoFileSize  = 100_000
	maxRepoKeyFiles  = 15
	maxTreeEntries   = 200
	maxTreeDepth     = 3
	repoCloneTimeout = 60 * time.Second
)

var (
	readmeNames   = []string{"README.md", "readme.md", "README.rst"}
	priorityFiles = []string{"README.md", "readme.md", "README.rst", "go.mod", "Cargo.toml", "pyproject.toml", "setup.py"}
	interestExts  = map[string]bool{
		".md": true, ".go": true, ".py": true, ".rs": true,
		".toml": true, ".yaml": true, ".yml": true, ".json": true,
	}
	skipDirs = map[string]bool{
		"node_modules": true, "vendor": true, "__pycache__": true,
		"dist": true, "target": true, "venv": true, ".venv": true,
	}
)

// NormalizeRepoURL reduces any github.com link to its canonical clone URL.
// Links that do not point at an owner/repo pair (topic pages, gists) are
// rejected.
func NormalizeRepoURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.Contains(strings.ToLower(u.Hostname()), "github.com") {
		return "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	owner := parts[0]
	repo := strings.TrimSuffix(parts[1], ".git")
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo), true
}

// RepoName extracts the repo segment from a clone URL for display.
func RepoName(cloneURL string) string {
	name := strings.TrimSuffix(cloneURL, ".git")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// RepoCloner shallow-clones repositories with the git binary and reads out
// a bounded summary: file tree, readme and a handful of key files.
type RepoCloner struct{}

func NewRepoCloner() *RepoCloner {
	return &RepoCloner{}
}

// Clone runs `git clone --depth 1 --single-branch` into a temp dir (removed
// before returning) and summarizes the checkout.
func (c *RepoCloner) Clone(ctx context.Context, cloneURL string) (*RepoInfo, error) {
	tmpDir, err := os.MkdirTemp("", "oracle-repo-*")
	if err != nil {
		return nil, fmt.Errorf("create clone dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cloneCtx, cancel := context.WithTimeout(ctx, repoCloneTimeout)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", "--single-branch", cloneURL, tmpDir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone %s: %w: %s", cloneURL, err, strings.TrimSpace(string(out)))
	}

	info := &RepoInfo{
		URL:      cloneURL,
		Name:     RepoName(cloneURL),
		KeyFiles: make(map[string]string),
		ClonedAt: time.Now().UTC(),
	}
	info.FileTree = buildFileTree(tmpDir)

	for _, name := range readmeNames {
		if content, ok := readBoundedFile(filepath.Join(tmpDir, name)); ok {
			info.Readme = content
			break
		}
	}
	for _, name := range priorityFiles {
		if len(info.KeyFiles) >= maxRepoKeyFiles {
			break
		}
		if content, ok := readBoundedFile(filepath.Join(tmpDir, name)); ok {
			info.KeyFiles[name] = content
		}
	}
	collectKeyFiles(tmpDir, info)

	return info, nil
}

func readBoundedFile(path string) (string, bool) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() || fi.Size() > maxRepoFileSize {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func buildFileTree(root string) []string {
	var tree []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		base := d.Name()
		if d.IsDir() && (strings.HasPrefix(base, ".") || skipDirs[base]) {
			return fs.SkipDir
		}
		if strings.HasPrefix(base, ".") {
			return nil
		}
		if strings.Count(rel, string(filepath.Separator)) >= maxTreeDepth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		entry := filepath.ToSlash(rel)
		if d.IsDir() {
			entry += "/"
		}
		tree = append(tree, entry)
		if len(tree) >= maxTreeEntries {
			return fs.SkipAll
		}
		return nil
	})
	return tree
}

func collectKeyFiles(root string, info *RepoInfo) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(info.KeyFiles) >= maxRepoKeyFiles {
			return fs.SkipAll
		}
		base := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(base, ".") || skipDirs[base] {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(base, ".") || !interestExts[strings.ToLower(filepath.Ext(base))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if _, exists := info.KeyFiles[rel]; exists {
			return nil
		}
		if content, ok := readBoundedFile(path); ok {
			info.KeyFiles[rel] = content
		}
		return nil
	})
}

// Markdown renders the repo summary as a document the chunker can split.
func (r *RepoInfo) Markdown() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Repository: %s\n\nSource: %s\n", r.Name, r.URL)

	if r.Readme != "" {
		sb.WriteString("\n## README\n\n")
		sb.WriteString(r.Readme)
		sb.WriteString("\n")
	}
	if len(r.FileTree) > 0 {
		sb.WriteString("\n## File tree\n\n")
		for _, entry := range r.FileTree {
			sb.WriteString("- " + entry + "\n")
		}
	}

	paths := make([]string, 0, len(r.KeyFiles))
	for path := range r.KeyFiles {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if content := r.KeyFiles[path]; path != "README.md" || r.Readme == "" {
			fmt.Fprintf(&sb, "\n## %s\n\n```\n%s\n```\n", path, content)
		}
	}
	return sb.String()
}
