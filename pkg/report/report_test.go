package report

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/lexatlas/lexrag/pkg/llm"
	"github.com/lexatlas/lexrag/pkg/logging"
)

const templateXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>Informe Normativo: [Ley analizada]</w:t></w:r></w:p><w:p><w:r><w:t>Fecha de emisión: [Fecha]</w:t></w:r></w:p><w:p><w:r><w:t>{{EXECUTIVE_SUMMARY}}</w:t></w:r></w:p><w:p><w:r><w:t>{{ALCANCE}}</w:t></w:r></w:p><w:p><w:r><w:t>{{FINDINGS}}</w:t></w:r></w:p><w:p><w:r><w:t>{{CONCLUSIONES_RECOMENDACIONES}}</w:t></w:r></w:p></w:body></w:document>`

const templateRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`

// writeTemplate builds a minimal Word file with the report placeholders.
func writeTemplate(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating template: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"word/document.xml":            templateXML,
		"word/_rels/document.xml.rels": templateRels,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("adding %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing template zip: %v", err)
	}
}

// sectionChat answers each section prompt with recognizable text.
type sectionChat struct{}

func (sectionChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	user := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(user, "EXECUTIVE SUMMARY"):
		return &llm.ChatResponse{Content: "**Resumen ejecutivo** del marco normativo analizado."}, nil
	case strings.Contains(user, "ALCANCE"):
		return &llm.ChatResponse{Content: "Alcance: artículos 1 a 3 del reglamento."}, nil
	case strings.Contains(user, "FINDINGS"):
		return &llm.ChatResponse{Content: "CRÍTICOS: el artículo 5 exige consentimiento previo."}, nil
	case strings.Contains(user, "RECOMENDACIONES ACCIONABLES"):
		return &llm.ChatResponse{Content: "Acciones inmediatas: designar responsable de datos."}, nil
	}
	return &llm.ChatResponse{Content: "sección genérica"}, nil
}

func documentXML(t *testing.T, path string) string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("opening report: %v", err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("opening document.xml: %v", err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("reading document.xml: %v", err)
		}
		return string(data)
	}
	t.Fatal("report has no word/document.xml")
	return ""
}

func TestBuild_FillsTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, filepath.Join(dir, "plantilla.docx"))

	b := New(sectionChat{}, Config{
		TemplateDir:  dir,
		TemplateName: "plantilla.docx",
		OutputDir:    filepath.Join(dir, "out"),
	}, logging.Nop())

	path, err := b.Build(context.Background(), "Genera un informe", "Artículo 5: consentimiento previo.", "Ley N° 29733")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	name := filepath.Base(path)
	pattern := regexp.MustCompile(`^Reporte_Normativo_Ley_N_29733_\d{8}_\d{6}\.docx$`)
	if !pattern.MatchString(name) {
		t.Errorf("report name = %q", name)
	}

	content := documentXML(t, path)
	for _, want := range []string{
		"Resumen ejecutivo del marco normativo analizado.",
		"Alcance: artículos 1 a 3 del reglamento.",
		"el artículo 5 exige consentimiento previo",
		"designar responsable de datos",
		"Ley N° 29733",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Contains(content, "{{") {
		t.Error("unfilled placeholder left in report")
	}
	if strings.Contains(content, "[Fecha]") || strings.Contains(content, "[Ley analizada]") {
		t.Error("date or regulation marker left in report")
	}
	if strings.Contains(content, "**") {
		t.Error("markdown formatting left in report")
	}
}

func TestBuild_MissingTemplate(t *testing.T) {
	dir := t.TempDir()
	b := New(sectionChat{}, Config{TemplateDir: dir, OutputDir: dir}, logging.Nop())

	if _, err := b.Build(context.Background(), "q", "análisis", "Ley"); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Ley de Protección de Datos Personales", "Ley_de_Protección_de_Datos_Personales"},
		{"Ley N° 29733", "Ley_N_29733"},
		{"GDPR/UE-2016", "GDPRUE_2016"},
		{"  ", "Normativa"},
	}
	for _, tt := range tests {
		if got := safeName(tt.in); got != tt.want {
			t.Errorf("safeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOutputFilename(t *testing.T) {
	now := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	got := OutputFilename("Ley 29733", now)
	if got != "Reporte_Normativo_Ley_29733_20260315_093000.docx" {
		t.Errorf("filename = %q", got)
	}
}

func TestSectionPrompt(t *testing.T) {
	p := sectionPrompt("findings", "texto del análisis", "Ley 29733")
	if !strings.Contains(p, "texto del análisis") {
		t.Error("prompt missing analysis text")
	}
	if !strings.Contains(p, "Ley 29733") {
		t.Error("prompt missing regulation name")
	}
	if !strings.Contains(p, "BRECHAS IDENTIFICADAS") {
		t.Error("findings prompt missing gap category")
	}

	generic := sectionPrompt("anexos", "datos", "Ley")
	if !strings.Contains(generic, "anexos") {
		t.Error("generic prompt missing section key")
	}
}

func TestStripMarkdown(t *testing.T) {
	in := "## Título\n**negrita** y *cursiva*\n- punto uno\n- punto dos"
	got := stripMarkdown(in)
	for _, banned := range []string{"#", "*", "\n- "} {
		if strings.Contains(got, banned) {
			t.Errorf("markdown %q survived: %q", banned, got)
		}
	}
	if !strings.Contains(got, "negrita y cursiva") {
		t.Errorf("text mangled: %q", got)
	}
}
