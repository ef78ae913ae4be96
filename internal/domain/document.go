package domain

import "path"

// DocumentType is one of the fixed files inside a deliverable folder.
type DocumentType string

const (
	DocDatasheet     DocumentType = "Datasheet"
	DocSpecification DocumentType = "Specification"
	DocGuidance      DocumentType = "Guidance"
	DocProcedure     DocumentType = "Procedure"
	DocContext       DocumentType = "Context"
	DocStatus        DocumentType = "Status"
	DocDependencies  DocumentType = "Dependencies"
	DocReferences    DocumentType = "References"
	DocSemantic      DocumentType = "Semantic"
)

var DocumentTypes = []DocumentType{
	DocDatasheet, DocSpecification, DocGuidance, DocProcedure,
	DocContext, DocStatus, DocDependencies, DocReferences, DocSemantic,
}

var documentFilenames = map[DocumentType]string{
	DocDatasheet:     "Datasheet.md",
	DocSpecification: "Specification.md",
	DocGuidance:      "Guidance.md",
	DocProcedure:     "Procedure.md",
	DocContext:       "_CONTEXT.md",
	DocStatus:        "_STATUS.md",
	DocDependencies:  "_DEPENDENCIES.md",
	DocReferences:    "_REFERENCES.md",
	DocSemantic:      "_SEMANTIC.md",
}

func (t DocumentType) Filename() string { return documentFilenames[t] }

// Core reports whether t is one of the four authored documents.
func (t DocumentType) Core() bool {
	switch t {
	case DocDatasheet, DocSpecification, DocGuidance, DocProcedure:
		return true
	}
	return false
}

// DocumentTypeOf maps a file name (or path) to its document type.
func DocumentTypeOf(p string) (DocumentType, bool) {
	base := path.Base(p)
	for t, name := range documentFilenames {
		if name == base {
			return t, true
		}
	}
	return "", false
}
