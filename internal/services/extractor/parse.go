package extractor

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Selectors for the platform pages. The upstream system renders the process
// as a tree frame with one anchor per document and a cover table with labeled
// rows; these are the stable hooks its markup exposes.
const (
	selTreeRoot    = "#divArvore"
	selTreeDocLink = "#divArvore a.infraArvoreNo"
	selCoverTable  = "#divInformacao tr"
	selLoginForm   = "#frmLogin"
	selLoginUser   = "#txtUsuario"
	selLoginPass   = "#pwdSenha"
	selLoginSubmit = "#sbmLogin"
	selQuickSearch = "#txtPesquisaRapida"
	selTreeFrame   = "#ifrArvore"
)

// docRef is one document anchor found in the process tree.
type docRef struct {
	Seq     int
	Title   string
	DocType string
	Href    string
}

// processCover holds the labeled fields of the process information screen.
type processCover struct {
	ProcessType string
	Interested  string
	CurrentUnit string
}

// parseTree extracts the document list from the tree frame markup, in tree
// order. A missing tree root means the page is not the process view and the
// caller should treat the run as a structural miss; a present tree with no
// document anchors is a legitimately empty process.
func parseTree(html string) ([]docRef, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse tree markup: %w", err)
	}

	if doc.Find(selTreeRoot).Length() == 0 {
		return nil, fmt.Errorf("%w: tree root %q not found", ErrStructure, selTreeRoot)
	}

	var refs []docRef
	doc.Find(selTreeDocLink).Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		title := strings.TrimSpace(s.Text())
		if title == "" {
			title = strings.TrimSpace(s.AttrOr("title", ""))
		}
		// The first anchor is the process node itself, not a document.
		if s.HasClass("infraArvoreNoProcesso") {
			return
		}
		refs = append(refs, docRef{
			Seq:     len(refs) + 1,
			Title:   title,
			DocType: docTypeFromTitle(title),
			Href:    href,
		})
	})

	return refs, nil
}

// docTypeFromTitle takes the leading words of a document title as its type:
// "Despacho 45 (0609123)" yields "Despacho". Numbering and protocol suffixes
// are not part of the type.
func docTypeFromTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	cut := len(title)
	for i, r := range title {
		if unicode.IsDigit(r) || r == '(' {
			cut = i
			break
		}
	}
	docType := strings.TrimRight(strings.TrimSpace(title[:cut]), "-–:nº°N. ")
	return strings.TrimSpace(docType)
}

// parseCover reads the labeled rows of the process information table. Unknown
// labels are ignored; missing fields stay empty.
func parseCover(html string) processCover {
	var cover processCover

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return cover
	}

	doc.Find(selCoverTable).Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		label := normalizeLabel(cells.Eq(0).Text())
		value := strings.TrimSpace(cells.Eq(1).Text())
		if value == "" {
			return
		}
		switch label {
		case "tipo", "tipo do processo", "especificacao":
			if cover.ProcessType == "" {
				cover.ProcessType = value
			}
		case "interessado", "interessados":
			if cover.Interested == "" {
				cover.Interested = value
			}
		case "unidade", "unidade atual", "unidade aberta":
			if cover.CurrentUnit == "" {
				cover.CurrentUnit = value
			}
		}
	})

	return cover
}

// normalizeLabel lowercases a label cell and strips the trailing colon and
// common accents, so "Interessado:" and "interessado" compare equal.
func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ":")
	replacer := strings.NewReplacer(
		"á", "a", "à", "a", "ã", "a", "â", "a",
		"é", "e", "ê", "e",
		"í", "i",
		"ó", "o", "õ", "o", "ô", "o",
		"ú", "u",
		"ç", "c",
	)
	return strings.TrimSpace(replacer.Replace(s))
}
