package dicom

// Data element tags, with the group in the high 16 bits and the element in
// the low 16.
const (
	tagTransferSyntaxUID = 0x00020010

	tagSOPInstanceUID    = 0x00080018
	tagStudyDate         = 0x00080020
	tagModality          = 0x00080060
	tagStudyDescription  = 0x00081030
	tagSeriesDescription = 0x0008103E
	tagPatientName       = 0x00100010
	tagPatientID         = 0x00100020
	tagStudyInstanceUID  = 0x0020000D
	tagSeriesInstanceUID = 0x0020000E
	tagInstanceNumber    = 0x00200013
)

// wantedTags maps each tag the archive cares about to its slot in
// Attributes. The scanner stops as soon as every entry has been seen.
var wantedTags = map[uint32]func(*Attributes) *string{
	tagSOPInstanceUID:    func(a *Attributes) *string { return &a.SOPInstanceUID },
	tagStudyDate:         func(a *Attributes) *string { return &a.StudyDate },
	tagModality:          func(a *Attributes) *string { return &a.Modality },
	tagStudyDescription:  func(a *Attributes) *string { return &a.StudyDescription },
	tagSeriesDescription: func(a *Attributes) *string { return &a.SeriesDescription },
	tagPatientName:       func(a *Attributes) *string { return &a.PatientName },
	tagPatientID:         func(a *Attributes) *string { return &a.PatientID },
	tagStudyInstanceUID:  func(a *Attributes) *string { return &a.StudyInstanceUID },
	tagSeriesInstanceUID: func(a *Attributes) *string { return &a.SeriesInstanceUID },
	tagInstanceNumber:    func(a *Attributes) *string { return &a.InstanceNumber },
}

// longValueVR reports whether the value representation uses the long
// header form: two reserved bytes followed by a 32 bit length.
func longValueVR(vr string) bool {
	switch vr {
	case "OB", "OF", "OW", "SQ", "UN", "UT":
		return true
	}
	return false
}

// trimPadding strips the trailing space or NUL bytes DICOM adds to keep
// string values at an even length.
func trimPadding(b []byte) string {
	i := len(b)
	for i > 0 && (b[i-1] == ' ' || b[i-1] == 0) {
		i--
	}
	return string(b[:i])
}
