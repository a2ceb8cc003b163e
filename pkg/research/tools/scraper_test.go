package tools

import (
	"strings"
	"testing"
)

func TestClassifyURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want SourceCategory
	}{
		{"PDF on arxiv", "https://arxiv.org/pdf/2401.12345.pdf", CategoryPDF},
		{"PDF uppercase extension", "https://example.com/paper.PDF", CategoryPDF},
		{"GitHub repo", "https://github.com/golang/go", CategoryGitHub},
		{"Docs subdomain", "https://docs.python.org/3/library/asyncio.html", CategoryDoc},
		{"Arxiv abstract", "https://arxiv.org/abs/2401.12345", CategoryDoc},
		{"Readthedocs", "https://fastapi.readthedocs.io/en/latest/", CategoryDoc},
		{"Medium post", "https://medium.com/@someone/scaling-grpc", CategoryDoc},
		{"Company blog", "https://blog.cloudflare.com/how-we-scaled", CategoryDoc},
		{"Plain site", "https://example.com/article", CategoryOther},
		{"Unparseable", "://not a url", CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyURL(tt.url); got != tt.want {
				t.Errorf("ClassifyURL(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestExtractReadableText(t *testing.T) {
	page := `<html><head><title>Pool Sizing</title><script>var x=1;</script></head>
<body>
<nav>Home | About</nav>
<article>
<h1>Connection pools</h1>
<p>Keep max connections below the database limit.</p>
<p>Measure saturation before raising it.</p>
</article>
<footer>copyright</footer>
</body></html>`

	title, body, err := ExtractReadableText(strings.NewReader(page))
	if err != nil {
		t.Fatalf("ExtractReadableText returned error: %v", err)
	}
	if title != "Pool Sizing" {
		t.Errorf("title = %q, want %q", title, "Pool Sizing")
	}
	for _, want := range []string{"Connection pools", "max connections", "saturation"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	for _, unwanted := range []string{"var x=1", "Home | About", "copyright"} {
		if strings.Contains(body, unwanted) {
			t.Errorf("body should not contain %q:\n%s", unwanted, body)
		}
	}
}

func TestExtractReadableTextFallsBackToBody(t *testing.T) {
	page := `<html><head><title>t</title></head><body><p>just body text here</p></body></html>`
	_, body, err := ExtractReadableText(strings.NewReader(page))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "just body text here") {
		t.Errorf("body fallback failed: %q", body)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		n     int
		want  string
	}{
		{"shorter than limit", "hello", 10, "hello"},
		{"exact limit", "hello", 5, "hello"},
		{"ascii cut", "hello world", 5, "hello"},
		{"multibyte preserved", "héllo", 3, "h\xc3\xa9"},
		{"multibyte split avoided", "héllo", 2, "h"},
		{"zero", "hello", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.input, tt.n)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
			}
			if len(got) > tt.n {
				t.Errorf("Truncate result %d bytes exceeds limit %d", len(got), tt.n)
			}
		})
	}
}

func TestNormalizeRepoURL(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"plain repo", "https://github.com/golang/go", "https://github.com/golang/go.git", true},
		{"deep link", "https://github.com/jackc/pgx/blob/master/README.md", "https://github.com/jackc/pgx.git", true},
		{"already clone url", "https://github.com/golang/go.git", "https://github.com/golang/go.git", true},
		{"topic page", "https://github.com/features", "", false},
		{"not github", "https://gitlab.com/group/project", "", false},
		{"garbage", "://nope", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeRepoURL(tt.input)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("NormalizeRepoURL(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRepoMarkdown(t *testing.T) {
	info := &RepoInfo{
		URL:      "https://github.com/acme/widget.git",
		Name:     "widget",
		Readme:   "Widget does widgeting.",
		FileTree: []string{"cmd/", "cmd/widget/", "go.mod"},
		KeyFiles: map[string]string{"go.mod": "module widget"},
	}

	md := info.Markdown()
	for _, want := range []string{"# Repository: widget", "## README", "Widget does widgeting.", "## File tree", "- go.mod", "## go.mod", "module widget"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}
