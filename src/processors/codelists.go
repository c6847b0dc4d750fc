package processors

// IATI code lists (version 2.03) used by the field validator.

func set(codes ...string) map[string]bool {
	m := make(map[string]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// TransactionTypes maps TransactionType codes to their names.
var TransactionTypes = map[string]string{
	"1":  "Incoming Funds",
	"2":  "Outgoing Commitment",
	"3":  "Disbursement",
	"4":  "Expenditure",
	"5":  "Interest Payment",
	"6":  "Loan Repayment",
	"7":  "Reimbursement",
	"8":  "Purchase of Equity",
	"9":  "Sale of Equity",
	"10": "Credit Guarantee",
	"11": "Incoming Commitment",
	"12": "Outgoing Pledge",
	"13": "Incoming Pledge",
}

var activityStatuses = set("1", "2", "3", "4", "5", "6")

var organisationTypes = set("10", "11", "15", "21", "22", "23", "24", "30", "40", "60", "70", "71", "72", "73", "80", "90")

var flowTypes = set("10", "20", "21", "22", "30", "35", "36", "37", "40", "50")

var financeTypes = set(
	"1", "110", "111", "210", "211", "310", "311",
	"410", "411", "412", "413", "414", "421", "422", "423", "424", "425",
	"431", "432", "433", "451", "452", "453",
	"510", "511", "512", "520", "530",
	"610", "611", "612", "613", "614", "615", "616", "617", "618",
	"620", "621", "622", "623", "624", "625", "626", "627",
	"630", "631", "632", "633", "634",
	"710", "711", "712", "810", "811", "910", "911", "912", "913", "1100",
)

var aidTypes = set(
	"A01", "A02", "B01", "B02", "B021", "B022", "B03", "B031", "B032", "B033", "B04",
	"C01", "D01", "D02", "E01", "E02", "F01", "G01", "H01", "H02", "H03", "H04", "H05",
)

var tiedStatuses = set("3", "4", "5")

var disbursementChannels = set("1", "2", "3", "4")
