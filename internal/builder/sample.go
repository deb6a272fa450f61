package builder

// Participant is a registration record in the sample receipt
type Participant struct {
	Name   string
	IC     string
	TShirt string
	Bib    string
	Gender string
}

// Row converts the participant into a receipt row with the bib as barcode
func (p Participant) Row() Row {
	return Row{
		Fields: []Field{
			{Label: "Name", Value: p.Name},
			{Label: "IC", Value: p.IC},
			{Label: "T - Shirt Size", Value: p.TShirt},
			{Label: "Gender", Value: p.Gender},
			{Label: "Bib", Value: p.Bib},
		},
		Code: p.Bib,
	}
}

// SampleParticipants is the demo data printed by "print sample"
var SampleParticipants = []Participant{
	{Name: "Faysal Hossain", IC: "A4565656", TShirt: "L", Bib: "FX456", Gender: "Male"},
	{Name: "Abram Varughese", IC: "457647868", TShirt: "M", Bib: "FX457", Gender: "Male"},
	{Name: "Seema T.", IC: "457647868", TShirt: "S", Bib: "FX458", Gender: "Female"},
}

// Sample is the demo counter receipt
func Sample() Source {
	rows := make([]Row, 0, len(SampleParticipants))
	for _, p := range SampleParticipants {
		rows = append(rows, p.Row())
	}
	return Source{
		Name:   "counter",
		Header: "COUNTER : A",
		Rows:   rows,
	}
}

// GalleryCaption closes the image demo
const GalleryCaption = "Thank you for your participation"
