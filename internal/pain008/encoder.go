/**
 * @description
 * Encodes collection batches into pain.008.001.02 documents and reads them back.
 *
 * @notes
 * - Encoding is deterministic: items are ordered by end-to-end id and the
 *   creation time is supplied by the caller.
 * - Encode returns bytes only when the whole document is valid. Callers never
 *   receive a partial file.
 */
package pain008

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/verenigingen/sepa-service/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxIDLength   = 35
	maxNameLength = 70
	maxUstrd      = 140
	notProvided   = "NOTPROVIDED"
)

var ErrEmptyBatch = errors.New("batch has no transactions")

// Encode renders the batch as a pain.008.001.02 document.
func Encode(batch *domain.Batch, creditor domain.Creditor, createdAt time.Time) ([]byte, error) {
	doc, err := Build(batch, creditor, createdAt)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode pain.008: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("flush pain.008: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Build assembles the document tree without serializing it.
func Build(batch *domain.Batch, creditor domain.Creditor, createdAt time.Time) (*Document, error) {
	if len(batch.Items) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := checkID("MsgId", batch.ID); err != nil {
		return nil, err
	}
	if err := checkCreditor(creditor); err != nil {
		return nil, err
	}
	if sum := batch.SumItems(); sum != batch.TotalCents {
		return nil, fmt.Errorf("control sum mismatch: batch total %d, items %d", batch.TotalCents, sum)
	}

	items := make([]domain.BatchItem, len(batch.Items))
	copy(items, batch.Items)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].ID < items[j].ID
	})

	currency := batch.Currency
	if currency == "" {
		currency = "EUR"
	}

	txs := make([]DirectDebitTxInf, 0, len(items))
	for _, item := range items {
		tx, err := buildTransaction(item, currency)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	ctrlSum := FormatAmount(batch.TotalCents)
	doc := &Document{
		Xmlns: Namespace,
		Initn: CustomerDirectDebitInitn{
			GrpHdr: GroupHeader{
				MsgID:    batch.ID,
				CreDtTm:  createdAt.Format("2006-01-02T15:04:05"),
				NbOfTxs:  len(txs),
				CtrlSum:  ctrlSum,
				InitgPty: Party{Nm: sanitize(creditor.Name, maxNameLength)},
			},
			PmtInf: []PaymentInstruction{{
				PmtInfID: batch.ID,
				PmtMtd:   "DD",
				NbOfTxs:  len(txs),
				CtrlSum:  ctrlSum,
				PmtTpInf: PaymentTypeInfo{
					SvcLvl:    &Code{Cd: "SEPA"},
					LclInstrm: &Code{Cd: "CORE"},
				},
				ReqdColltnDt: batch.CollectionDate.Format(time.DateOnly),
				Cdtr:         Party{Nm: sanitize(creditor.Name, maxNameLength)},
				CdtrAcct:     Account{ID: AccountID{IBAN: creditor.IBAN}},
				CdtrAgt:      agent(creditor.BIC),
				ChrgBr:       "SLEV",
				CdtrSchmeID: SchemeID{ID: SchemeParty{PrvtID: PrivateID{Othr: SchemeOther{
					ID:      creditor.SchemeID,
					SchmeNm: Scheme{Prtry: "SEPA"},
				}}}},
				DrctDbtTxInf: txs,
			}},
		},
	}
	return doc, nil
}

func buildTransaction(item domain.BatchItem, currency string) (DirectDebitTxInf, error) {
	if err := checkID("EndToEndId", item.ID); err != nil {
		return DirectDebitTxInf{}, err
	}
	if err := checkID("MndtId", item.MandateID); err != nil {
		return DirectDebitTxInf{}, err
	}
	if item.AmountCents <= 0 {
		return DirectDebitTxInf{}, fmt.Errorf("item %s: amount must be positive", item.ID)
	}
	if err := domain.ValidateIBAN(item.IBAN); err != nil {
		return DirectDebitTxInf{}, fmt.Errorf("item %s: %w", item.ID, err)
	}
	if item.MandateSignDate.IsZero() {
		return DirectDebitTxInf{}, fmt.Errorf("item %s: mandate sign date is missing", item.ID)
	}
	switch item.SequenceType {
	case domain.SequenceFirst, domain.SequenceRecurring, domain.SequenceOneOff:
	default:
		return DirectDebitTxInf{}, fmt.Errorf("item %s: unknown sequence type %q", item.ID, item.SequenceType)
	}

	tx := DirectDebitTxInf{
		PmtID:    PaymentID{EndToEndID: item.ID},
		PmtTpInf: &PaymentTypeInfo{SeqTp: string(item.SequenceType)},
		InstdAmt: Amount{Ccy: currency, Value: FormatAmount(item.AmountCents)},
		DrctDbtTx: DirectDebitTx{MndtRltdInf: MandateInfo{
			MndtID:    item.MandateID,
			DtOfSgntr: item.MandateSignDate.Format(time.DateOnly),
		}},
		DbtrAgt:  agent(item.BIC),
		Dbtr:     Party{Nm: sanitize(item.DebtorName, maxNameLength)},
		DbtrAcct: Account{ID: AccountID{IBAN: item.IBAN}},
	}
	if info := sanitize(item.RemittanceInfo, maxUstrd); info != "" {
		tx.RmtInf = &Remittance{Ustrd: info}
	}
	return tx, nil
}

// Decode parses a pain.008 document.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode pain.008: %w", err)
	}
	if doc.Xmlns != Namespace {
		return nil, fmt.Errorf("unexpected namespace %q", doc.Xmlns)
	}
	return &doc, nil
}

// Summary is what a reconciliation needs from a document.
type Summary struct {
	MessageID         string
	NumberOfTxs       int
	ControlSumCents   int64
	TransactionsCents int64
	EndToEndIDs       []string
}

// Summarize reads the header totals and recomputes them from the transactions.
func Summarize(doc *Document) (Summary, error) {
	hdr := doc.Initn.GrpHdr
	ctrl, err := ParseAmount(hdr.CtrlSum)
	if err != nil {
		return Summary{}, fmt.Errorf("group header control sum: %w", err)
	}
	s := Summary{MessageID: hdr.MsgID, NumberOfTxs: hdr.NbOfTxs, ControlSumCents: ctrl}
	for _, pmt := range doc.Initn.PmtInf {
		for _, tx := range pmt.DrctDbtTxInf {
			amount, err := ParseAmount(tx.InstdAmt.Value)
			if err != nil {
				return Summary{}, fmt.Errorf("transaction %s: %w", tx.PmtID.EndToEndID, err)
			}
			s.TransactionsCents += amount
			s.EndToEndIDs = append(s.EndToEndIDs, tx.PmtID.EndToEndID)
		}
	}
	if len(s.EndToEndIDs) != s.NumberOfTxs {
		return s, fmt.Errorf("header reports %d transactions, document has %d", s.NumberOfTxs, len(s.EndToEndIDs))
	}
	if s.TransactionsCents != s.ControlSumCents {
		return s, fmt.Errorf("header control sum %s does not match transactions %s", FormatAmount(s.ControlSumCents), FormatAmount(s.TransactionsCents))
	}
	return s, nil
}

// FormatAmount renders cents with exactly two decimals.
func FormatAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ParseAmount reads a two-decimal amount back into cents.
func ParseAmount(raw string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d.Exponent() < -2 {
		return 0, fmt.Errorf("amount %s has more than two decimals", raw)
	}
	return d.Shift(2).IntPart(), nil
}

func agent(bic string) Agent {
	if bic == "" {
		return Agent{FinInstnID: FinancialInstitution{Othr: &OtherAgentID{ID: notProvided}}}
	}
	return Agent{FinInstnID: FinancialInstitution{BIC: bic}}
}

func checkCreditor(c domain.Creditor) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("creditor name is required")
	}
	if c.SchemeID == "" {
		return errors.New("creditor scheme id is required")
	}
	if err := domain.ValidateIBAN(c.IBAN); err != nil {
		return fmt.Errorf("creditor: %w", err)
	}
	return domain.ValidateBIC(c.BIC)
}

func checkID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s is empty", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s %q exceeds %d characters", field, id, maxIDLength)
	}
	if !IsSEPAText(id) {
		return fmt.Errorf("%s %q contains characters outside the SEPA character set", field, id)
	}
	return nil
}

// IsSEPAText reports whether s only uses the SEPA Latin character subset.
func IsSEPAText(s string) bool {
	for _, r := range s {
		if !isSEPARune(r) {
			return false
		}
	}
	return true
}

func isSEPARune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("/-?:().,'+ ", r)
}

// sanitize folds accents and replaces anything else outside the SEPA set.
func sanitize(s string, limit int) string {
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range folded {
		if isSEPARune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	if len(out) > limit {
		out = strings.TrimSpace(out[:limit])
	}
	return out
}
