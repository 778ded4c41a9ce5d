package ingest

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ehr/clinicalimport/internal/domain/concept"
)

// SurveyImporter imports HTML exports of completed questionnaires. Each
// <form> becomes one questionnaire observation.
type SurveyImporter struct {
	svc Services
}

// NewSurveyImporter creates a survey importer.
func NewSurveyImporter(svc Services) *SurveyImporter {
	return &SurveyImporter{svc: svc}
}

// Format implements FormatImporter.
func (i *SurveyImporter) Format() Format { return FormatHTML }

// Import implements FormatImporter.
func (i *SurveyImporter) Import(ctx context.Context, content string, opts Options, run Run) *ImportStructure {
	c := newCollector(i.svc, FormatHTML, opts, run)
	return c.guard(CodeSurveyParseFailed, func() { i.parse(content, c) })
}

// surveyPage holds page-level defaults for all forms.
type surveyPage struct {
	title   string
	patient string
	date    string
}

func (i *SurveyImporter) parse(content string, c *collector) {
	root, err := html.Parse(strings.NewReader(content))
	if err != nil {
		c.fail(CodeInvalidHTML, "Survey HTML could not be parsed", withDetails(err.Error()))
		return
	}
	forms := findAll(root, atom.Form)
	if len(forms) == 0 {
		c.fail(CodeNoSurveyForms, "Survey export contains no forms")
		return
	}

	page := surveyPage{}
	if t := findFirst(root, atom.Title); t != nil {
		page.title = textContent(t)
	}
	for _, m := range findAll(root, atom.Meta) {
		switch strings.ToLower(attr(m, "name")) {
		case "patient-id":
			page.patient = attr(m, "content")
		case "survey-date":
			page.date = attr(m, "content")
		}
	}
	if body := findFirst(root, atom.Body); body != nil {
		if p := attr(body, "data-patient-id"); p != "" {
			page.patient = p
		}
	}

	for idx, form := range forms {
		if !c.take() {
			break
		}
		i.form(c, form, idx, page)
	}
}

func (i *SurveyImporter) form(c *collector, form *html.Node, idx int, page surveyPage) {
	title := attr(form, "data-title")
	if title == "" {
		if h := firstHeading(form); h != nil {
			title = textContent(h)
		}
	}
	if title == "" {
		title = page.title
	}
	if title == "" {
		title = fmt.Sprintf("Survey %d", idx+1)
	}

	items := extractQuestions(form)
	if len(items) == 0 {
		c.warn(CodeEmptySurvey, fmt.Sprintf("Survey %q contains no questions and was skipped", title), withField(title))
		return
	}

	patientID := firstNonEmpty(attr(form, "data-patient-id"), page.patient, namedInputValue(form, "patient_id"))
	if patientID == "" {
		patientID = "anonymous"
		c.warnOnce("patient", CodeMissingPatient, "Survey has no patient identifier, responses were assigned to an anonymous patient")
	}

	date := ""
	if raw := firstNonEmpty(attr(form, "data-date"), page.date); raw != "" {
		d, ok := normalizeDate(raw)
		if !ok {
			c.warn(CodeInvalidValue, fmt.Sprintf("Invalid survey date %q, import date used", raw), withField("date"))
		}
		date = d
	}

	code := attr(form, "data-concept")
	if code == "" {
		code = "SURVEY:" + slug(title)
	}

	patientRef := c.patient(patientID, SexUnknown, "")
	o := Observation{
		PatientRef:  patientRef,
		VisitRef:    c.visitForDate(patientRef, date),
		ConceptCode: code,
		StartDate:   date,
		Category:    "survey",
	}
	o.apply(Value{
		Type:          concept.ValueTypeQuestionnaire,
		Questionnaire: &QuestionnairePayload{Title: title, Items: items},
	})
	c.observe(o)
}

// questionScan collects questions from one form in document order.
type questionScan struct {
	labels   map[string]string
	consumed map[*html.Node]bool
	groups   map[string]int
	items    []QuestionnaireItem
}

func extractQuestions(form *html.Node) []QuestionnaireItem {
	q := &questionScan{
		labels:   make(map[string]string),
		consumed: make(map[*html.Node]bool),
		groups:   make(map[string]int),
	}
	for _, l := range findAll(form, atom.Label) {
		if id := attr(l, "for"); id != "" {
			q.labels[id] = textContent(l)
		}
	}
	q.walk(form)
	return q.items
}

func (q *questionScan) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Fieldset:
			q.fieldset(n)
		case atom.Input:
			q.input(n)
		case atom.Select:
			q.selectBox(n)
			return
		case atom.Textarea:
			q.textarea(n)
			return
		}
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		q.walk(ch)
	}
}

// fieldset turns a legend plus radio or checkbox inputs into one question.
func (q *questionScan) fieldset(n *html.Node) {
	legend := findFirst(n, atom.Legend)
	if legend == nil {
		return
	}
	var choices []*html.Node
	for _, in := range findAll(n, atom.Input) {
		if t := inputType(in); t == "radio" || t == "checkbox" {
			choices = append(choices, in)
		}
	}
	if len(choices) == 0 {
		return
	}
	item := QuestionnaireItem{
		LinkID: attr(choices[0], "name"),
		Text:   textContent(legend),
		Type:   inputType(choices[0]),
	}
	for _, ch := range choices {
		q.consumed[ch] = true
		if hasAttr(ch, "checked") {
			item.Answers = append(item.Answers, q.choiceLabel(ch))
		}
	}
	q.items = append(q.items, item)
}

func (q *questionScan) input(n *html.Node) {
	if q.consumed[n] {
		return
	}
	name := attr(n, "name")
	if name == "patient_id" {
		return
	}
	t := inputType(n)
	switch t {
	case "hidden", "submit", "button", "reset", "image", "file":
		return
	case "radio", "checkbox":
		idx, ok := q.groups[name]
		if !ok || name == "" {
			idx = len(q.items)
			q.items = append(q.items, QuestionnaireItem{LinkID: name, Text: firstNonEmpty(q.groupLabel(n), name), Type: t})
			if name != "" {
				q.groups[name] = idx
			}
		}
		if hasAttr(n, "checked") {
			q.items[idx].Answers = append(q.items[idx].Answers, q.choiceLabel(n))
		}
		return
	}
	item := QuestionnaireItem{
		LinkID: name,
		Text:   firstNonEmpty(q.labelOf(n), attr(n, "placeholder"), name),
		Type:   t,
	}
	if v := strings.TrimSpace(attr(n, "value")); v != "" {
		item.Answers = []string{v}
	}
	q.items = append(q.items, item)
}

func (q *questionScan) selectBox(n *html.Node) {
	item := QuestionnaireItem{
		LinkID: attr(n, "name"),
		Text:   firstNonEmpty(q.labelOf(n), attr(n, "name")),
		Type:   "select",
	}
	for _, opt := range findAll(n, atom.Option) {
		if hasAttr(opt, "selected") {
			item.Answers = append(item.Answers, firstNonEmpty(textContent(opt), attr(opt, "value")))
		}
	}
	q.items = append(q.items, item)
}

func (q *questionScan) textarea(n *html.Node) {
	item := QuestionnaireItem{
		LinkID: attr(n, "name"),
		Text:   firstNonEmpty(q.labelOf(n), attr(n, "placeholder"), attr(n, "name")),
		Type:   "textarea",
	}
	if v := textContent(n); v != "" {
		item.Answers = []string{v}
	}
	q.items = append(q.items, item)
}

// labelOf returns the <label for> text of a control, else the text of an
// enclosing <label>.
func (q *questionScan) labelOf(n *html.Node) string {
	if id := attr(n, "id"); id != "" {
		if l, ok := q.labels[id]; ok {
			return l
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.DataAtom == atom.Label {
			return textContent(p)
		}
	}
	return ""
}

// groupLabel labels a radio/checkbox group outside a fieldset.
func (q *questionScan) groupLabel(n *html.Node) string {
	return attr(n, "data-question")
}

func (q *questionScan) choiceLabel(n *html.Node) string {
	return firstNonEmpty(q.labelOf(n), attr(n, "value"))
}

func inputType(n *html.Node) string {
	t := strings.ToLower(strings.TrimSpace(attr(n, "type")))
	if t == "" {
		return "text"
	}
	return t
}

func namedInputValue(root *html.Node, name string) string {
	for _, in := range findAll(root, atom.Input) {
		if attr(in, "name") == name {
			return strings.TrimSpace(attr(in, "value"))
		}
	}
	return ""
}

func firstHeading(n *html.Node) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				found = n
				return true
			}
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if walk(ch) {
				return true
			}
		}
		return false
	}
	walk(n)
	return found
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			out = append(out, n)
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if all := findAll(n, a); len(all) > 0 {
		return all[0]
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// textContent returns the whitespace-collapsed text below n.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// slug upper-cases s and replaces runs of other characters with "_".
func slug(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	if b.Len() == 0 {
		return "UNTITLED"
	}
	return b.String()
}
