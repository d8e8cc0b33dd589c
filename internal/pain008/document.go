/**
 * @description
 * XML model of an ISO 20022 pain.008.001.02 customer direct debit initiation.
 * Only the elements used for SEPA Core collections are modelled.
 */
package pain008

import "encoding/xml"

// Namespace of the pain.008.001.02 schema.
const Namespace = "urn:iso:std:iso:20022:tech:xsd:pain.008.001.02"

// Document is the root element.
type Document struct {
	XMLName xml.Name                 `xml:"Document"`
	Xmlns   string                   `xml:"xmlns,attr"`
	Initn   CustomerDirectDebitInitn `xml:"CstmrDrctDbtInitn"`
}

type CustomerDirectDebitInitn struct {
	GrpHdr GroupHeader          `xml:"GrpHdr"`
	PmtInf []PaymentInstruction `xml:"PmtInf"`
}

type GroupHeader struct {
	MsgID    string `xml:"MsgId"`
	CreDtTm  string `xml:"CreDtTm"`
	NbOfTxs  int    `xml:"NbOfTxs"`
	CtrlSum  string `xml:"CtrlSum"`
	InitgPty Party  `xml:"InitgPty"`
}

type Party struct {
	Nm string `xml:"Nm"`
}

type PaymentInstruction struct {
	PmtInfID     string             `xml:"PmtInfId"`
	PmtMtd       string             `xml:"PmtMtd"`
	NbOfTxs      int                `xml:"NbOfTxs"`
	CtrlSum      string             `xml:"CtrlSum"`
	PmtTpInf     PaymentTypeInfo    `xml:"PmtTpInf"`
	ReqdColltnDt string             `xml:"ReqdColltnDt"`
	Cdtr         Party              `xml:"Cdtr"`
	CdtrAcct     Account            `xml:"CdtrAcct"`
	CdtrAgt      Agent              `xml:"CdtrAgt"`
	ChrgBr       string             `xml:"ChrgBr"`
	CdtrSchmeID  SchemeID           `xml:"CdtrSchmeId"`
	DrctDbtTxInf []DirectDebitTxInf `xml:"DrctDbtTxInf"`
}

type PaymentTypeInfo struct {
	SvcLvl    *Code  `xml:"SvcLvl,omitempty"`
	LclInstrm *Code  `xml:"LclInstrm,omitempty"`
	SeqTp     string `xml:"SeqTp,omitempty"`
}

type Code struct {
	Cd string `xml:"Cd"`
}

type Account struct {
	ID AccountID `xml:"Id"`
}

type AccountID struct {
	IBAN string `xml:"IBAN"`
}

// Agent carries either a BIC or the NOTPROVIDED marker for IBAN-only collections.
type Agent struct {
	FinInstnID FinancialInstitution `xml:"FinInstnId"`
}

type FinancialInstitution struct {
	BIC  string        `xml:"BIC,omitempty"`
	Othr *OtherAgentID `xml:"Othr,omitempty"`
}

type OtherAgentID struct {
	ID string `xml:"Id"`
}

type SchemeID struct {
	ID SchemeParty `xml:"Id"`
}

type SchemeParty struct {
	PrvtID PrivateID `xml:"PrvtId"`
}

type PrivateID struct {
	Othr SchemeOther `xml:"Othr"`
}

type SchemeOther struct {
	ID      string `xml:"Id"`
	SchmeNm Scheme `xml:"SchmeNm"`
}

type Scheme struct {
	Prtry string `xml:"Prtry"`
}

type DirectDebitTxInf struct {
	PmtID     PaymentID        `xml:"PmtId"`
	PmtTpInf  *PaymentTypeInfo `xml:"PmtTpInf,omitempty"`
	InstdAmt  Amount           `xml:"InstdAmt"`
	DrctDbtTx DirectDebitTx    `xml:"DrctDbtTx"`
	DbtrAgt   Agent            `xml:"DbtrAgt"`
	Dbtr      Party            `xml:"Dbtr"`
	DbtrAcct  Account          `xml:"DbtrAcct"`
	RmtInf    *Remittance      `xml:"RmtInf,omitempty"`
}

type PaymentID struct {
	EndToEndID string `xml:"EndToEndId"`
}

type Amount struct {
	Ccy   string `xml:"Ccy,attr"`
	Value string `xml:",chardata"`
}

type DirectDebitTx struct {
	MndtRltdInf MandateInfo `xml:"MndtRltdInf"`
}

type MandateInfo struct {
	MndtID    string `xml:"MndtId"`
	DtOfSgntr string `xml:"DtOfSgntr"`
}

type Remittance struct {
	Ustrd string `xml:"Ustrd"`
}
