package errclass

// Primary SQLite result codes, see https://www.sqlite.org/rescode.html.
// Both drivers report them with the same numbering.
const (
	codePerm     = 3
	codeBusy     = 5
	codeLocked   = 6
	codeNoMem    = 7
	codeReadonly = 8
	codeIOErr    = 10
	codeCorrupt  = 11
	codeFull     = 13
	codeCantOpen = 14
	codeSchema   = 17
	codeMismatch = 20
	codeFormat   = 24
	codeNotADB   = 26
)

// FromResultCode classifies a failed SQLite call by its result code. Extended
// codes are reduced to their primary code first.
func FromResultCode(code int, cause error) *BackupError {
	switch code & 0xff {
	case codeBusy, codeLocked:
		return ErrTransientLock.Wrap(cause)
	case codeReadonly, codeSchema, codeMismatch, codeFormat:
		return ErrSchemaMismatch.Wrap(cause)
	case codePerm, codeNoMem, codeIOErr, codeCorrupt, codeFull, codeCantOpen, codeNotADB:
		return ErrPermanentIO.Wrap(cause)
	default:
		return ErrSessionAborted.Wrap(cause)
	}
}
