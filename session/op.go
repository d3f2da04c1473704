package session

// Op is a bot operation, named after the command that starts it.
type Op string

const (
	OpStart        Op = "start"
	OpHelp         Op = "help"
	OpMenu         Op = "menu"
	OpStats        Op = "stats"
	OpTotalUsers   Op = "totaluser"
	OpTxtToVCF     Op = "cv_txt_to_vcf"
	OpTxtToVCFAuto Op = "txt2vcf"
	OpVCFToTxt     Op = "cv_vcf_to_txt"
	OpXLSXToVCF    Op = "cv_xlsx_to_vcf"
	OpCount        Op = "hitungctc"
	OpAddContact   Op = "addctc"
	OpDelContact   Op = "delctc"
	OpRename       Op = "renamectc"
	OpMergeVCF     Op = "gabungvcf"
	OpMergeTxt     Op = "gabungtxt"
	OpSplitParts   Op = "pecahfile"
	OpSplitSize    Op = "pecahctc"
	OpRenameFile   Op = "renamefile"
	OpToTxt        Op = "totxt"
	OpBugReport    Op = "laporkanbug"
	OpAddUser      Op = "adduser"
	OpDelUser      Op = "deluser"
)

// Input is what an operation waits for after its command.
type Input int

const (
	InputNone          Input = iota // runs on the command alone
	InputFile                       // one file, then done
	InputFileThenParam              // one file, then one text parameter
	InputParam                      // one text parameter
	InputMultiFile                  // files until finish
)

var opInputs = map[Op]Input{
	OpStart:        InputNone,
	OpHelp:         InputNone,
	OpMenu:         InputNone,
	OpStats:        InputNone,
	OpTotalUsers:   InputNone,
	OpTxtToVCF:     InputFile,
	OpTxtToVCFAuto: InputFile,
	OpVCFToTxt:     InputFile,
	OpXLSXToVCF:    InputFile,
	OpCount:        InputFile,
	OpAddContact:   InputFileThenParam,
	OpDelContact:   InputFileThenParam,
	OpRename:       InputFileThenParam,
	OpSplitParts:   InputFileThenParam,
	OpSplitSize:    InputFileThenParam,
	OpRenameFile:   InputFileThenParam,
	OpMergeVCF:     InputMultiFile,
	OpMergeTxt:     InputMultiFile,
	OpToTxt:        InputParam,
	OpBugReport:    InputParam,
	OpAddUser:      InputParam,
	OpDelUser:      InputParam,
}

// LookupOp resolves a command name. ok is false for names that are not
// session operations.
func LookupOp(command string) (Op, bool) {
	op := Op(command)
	_, ok := opInputs[op]
	return op, ok
}

// Input returns what op waits for. Unknown ops need no input.
func (o Op) Input() Input { return opInputs[o] }
