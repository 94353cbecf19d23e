package smtpd

// RcptOptions holds the ESMTP parameters attached to a single RCPT TO
// command. The server recognizes no RCPT TO parameters and rejects any
// RCPT TO that carries one with 555, so the RcptOptions passed to Handlers
// are always empty.
type RcptOptions map[string]string

// Envelope accumulates a single mail transaction: the sender, the
// recipients and their parameters, the MAIL-level options, and -- once
// DATA completes -- the message body.
type Envelope struct {
	// MailFrom is the reverse-path given in MAIL FROM, normalized.
	// Empty string denotes the null reverse-path ("<>").
	MailFrom string

	// MailOptions holds the ESMTP parameters attached to MAIL FROM
	// (SIZE, BODY, SMTPUTF8, ...), keyed by upper-cased parameter name.
	// A parameter given without a value (a bare keyword) maps to "".
	MailOptions Parameters

	// SMTPUTF8 is true if MAIL FROM carried the SMTPUTF8 parameter,
	// permitting UTF-8 octets in addresses and headers for this
	// transaction.
	SMTPUTF8 bool

	// DeclaredSize is the SIZE= value given in MAIL FROM, or 0 if none
	// was given.
	DeclaredSize int64

	// RcptTos lists the accepted recipients, in the order RCPT TO
	// commands were accepted.
	RcptTos []string

	// RcptOptions parallels RcptTos: RcptOptions[i] holds the ESMTP
	// parameters given on the RCPT TO that added RcptTos[i].
	RcptOptions []RcptOptions

	// Data holds the raw message body exactly as received from the
	// wire, dot-unstuffed and CR-stripped (LF-terminated lines), after
	// DATA completes. It is nil while the transaction is still open.
	Data []byte

	// Decoded holds Data interpreted as UTF-8 text, populated only when
	// Options.DecodeData is set. It is empty otherwise: Handlers that
	// want decoded text must opt in via DecodeData rather than probe
	// this field's zero value.
	Decoded string
}

// newEnvelope returns an empty envelope ready to accumulate a MAIL FROM.
func newEnvelope() *Envelope {
	return &Envelope{
		MailOptions: Parameters{},
	}
}

// AddRcpt appends an accepted recipient and its parameters.
func (e *Envelope) AddRcpt(addr string, opts RcptOptions) {
	e.RcptTos = append(e.RcptTos, addr)
	e.RcptOptions = append(e.RcptOptions, opts)
}
