package models

import "strings"

type Language string

const (
	LangGo         Language = "go"
	LangRust       Language = "rust"
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangJava       Language = "java"
	LangC          Language = "c"
	LangCpp        Language = "cpp"
	LangCSharp     Language = "csharp"
	LangRuby       Language = "ruby"
	LangShell      Language = "shell"
	LangHTML       Language = "html"
	LangCSS        Language = "css"
	LangJSON       Language = "json"
	LangYAML       Language = "yaml"
	LangTOML       Language = "toml"
	LangMarkdown   Language = "markdown"
	LangSQL        Language = "sql"
	LangUnknown    Language = ""
)

var extLanguages = map[string]Language{
	"go":       LangGo,
	"rs":       LangRust,
	"py":       LangPython,
	"pyi":      LangPython,
	"js":       LangJavaScript,
	"mjs":      LangJavaScript,
	"jsx":      LangJavaScript,
	"ts":       LangTypeScript,
	"tsx":      LangTypeScript,
	"java":     LangJava,
	"c":        LangC,
	"h":        LangC,
	"cc":       LangCpp,
	"cpp":      LangCpp,
	"cxx":      LangCpp,
	"hpp":      LangCpp,
	"cs":       LangCSharp,
	"rb":       LangRuby,
	"sh":       LangShell,
	"bash":     LangShell,
	"html":     LangHTML,
	"htm":      LangHTML,
	"css":      LangCSS,
	"json":     LangJSON,
	"yaml":     LangYAML,
	"yml":      LangYAML,
	"toml":     LangTOML,
	"md":       LangMarkdown,
	"markdown": LangMarkdown,
	"sql":      LangSQL,
}

// LanguageFromExtension maps a file extension (with or without the leading
// dot) to a language tag. Unrecognized extensions map to LangUnknown.
func LanguageFromExtension(ext string) Language {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if lang, ok := extLanguages[ext]; ok {
		return lang
	}
	return LangUnknown
}
