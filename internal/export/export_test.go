package export

import (
	"strings"
	"testing"
)

func TestRenderChapterHTML(t *testing.T) {
	html, err := RenderChapterHTML(TemplateData{
		Chapter:  8,
		Title:    "상선약수",
		Subtitle: "으뜸가는 선은 물과 같다",
		Tags:     []string{"물", "무위"},
		Lines: []TemplateLine{
			{Han: "上善若水", Ko: "최고의 선은 물과 같다"},
		},
		KeySentence: "上善若水",
		Sections: []TemplateSection{
			{Title: "물의 덕", Paragraphs: []string{"물은 만물을 이롭게 한다"}},
		},
		StoryTitle:      "물 이야기",
		StoryParagraphs: []string{"옛날 어느 마을에"},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	for _, want := range []string{
		"<blockquote>",
		"8장",
		"상선약수",
		"上善若水",
		"최고의 선은 물과 같다",
		"물의 덕",
		"물 이야기",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered html missing %q", want)
		}
	}
}

func TestRenderChapterHTMLOmitsEmptyBlocks(t *testing.T) {
	html, err := RenderChapterHTML(TemplateData{
		Chapter: 3,
		Lines:   []TemplateLine{{Ko: "현명함을 높이지 않으면"}},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "<blockquote>") {
		t.Error("key sentence block should be omitted when empty")
	}
	if strings.Contains(html, `class="han"`) {
		t.Error("han block should be omitted for a ko-only line")
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"abc-123_~.", "abc-123_~."},
		{"a b", "a%20b"},
		{"<p>", "%3Cp%3E"},
		{"도", "%EB%8F%84"},
	}
	for _, tt := range tests {
		if got := percentEncodeForDataURL(tt.input); got != tt.expected {
			t.Errorf("encode %q: got %q, want %q", tt.input, got, tt.expected)
		}
	}
}
