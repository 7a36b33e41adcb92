package export

import (
	"bytes"
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var chapterTemplate *template.Template

func init() {
	content, err := templateFS.ReadFile("templates/chapter.html")
	if err != nil {
		chapterTemplate = template.Must(template.New("chapter").Parse(fallbackTemplate))
		return
	}
	chapterTemplate = template.Must(template.New("chapter").Parse(string(content)))
}

// TemplateLine is one rendered line pair. Empty Han or Ko collapses in the
// template, which is how the han-only and ko-only modes work.
type TemplateLine struct {
	Han string
	Ko  string
}

// TemplateSection is one rendered analysis section.
type TemplateSection struct {
	Title      string
	Paragraphs []string
}

// TemplateData holds everything the chapter template renders.
type TemplateData struct {
	Chapter         int
	Title           string
	Subtitle        string
	Tags            []string
	Lines           []TemplateLine
	KeySentence     string
	Sections        []TemplateSection
	StoryTitle      string
	StoryParagraphs []string
}

// RenderChapterHTML renders the chapter template with provided data.
func RenderChapterHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := chapterTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load.
const fallbackTemplate = `<!DOCTYPE html>
<html lang="ko">
<head>
  <meta charset="UTF-8">
  <title>{{.Chapter}}장 {{.Title}}</title>
  <style>
    body { font-family: serif; line-height: 1.8; max-width: 720px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .han { font-size: 1.1em; }
    .ko { color: #444; margin-bottom: 1rem; }
  </style>
</head>
<body>
  <h1>{{.Chapter}}장{{if .Title}} {{.Title}}{{end}}</h1>
  {{if .Subtitle}}<p>{{.Subtitle}}</p>{{end}}
  {{range .Lines}}
    {{if .Han}}<div class="han">{{.Han}}</div>{{end}}
    {{if .Ko}}<div class="ko">{{.Ko}}</div>{{end}}
  {{end}}
  {{if .KeySentence}}<blockquote>{{.KeySentence}}</blockquote>{{end}}
  {{range .Sections}}
    <h2>{{.Title}}</h2>
    {{range .Paragraphs}}<p>{{.}}</p>{{end}}
  {{end}}
  {{if .StoryParagraphs}}
    <h2>{{if .StoryTitle}}{{.StoryTitle}}{{else}}이야기{{end}}</h2>
    {{range .StoryParagraphs}}<p>{{.}}</p>{{end}}
  {{end}}
</body>
</html>`
