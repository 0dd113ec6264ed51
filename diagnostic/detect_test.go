package diagnostic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseOpenSCReaders(t *testing.T) {
	out := `# Detected readers (pcsc)
Nr.  Card  Features  Name
0    Yes             Aladdin eToken PRO 00 00
1    No              Generic USB Reader 01 00
`
	status := DeviceStatus{Fidelity: FidelityDegraded}
	parseReaderListing(out, &status)

	require.Len(t, status.Readers, 2)
	assert.Equal(t, "Aladdin eToken PRO 00 00", status.Readers[0])
	assert.Equal(t, "Generic USB Reader 01 00", status.Readers[1])
	assert.True(t, status.CardsPresent)
}

func Test_ParseOpenSCNoCard(t *testing.T) {
	out := `Nr.  Card  Features  Name
0    No              Generic USB Reader 01 00
`
	status := DeviceStatus{}
	parseReaderListing(out, &status)

	require.Len(t, status.Readers, 1)
	assert.False(t, status.CardsPresent)
}

func Test_ParsePCSCScan(t *testing.T) {
	out := `Reader 0: Aladdin eToken PRO 00 00
  Card state: present
`
	status := DeviceStatus{}
	parseReaderListing(out, &status)

	require.Len(t, status.Readers, 1)
	assert.Equal(t, "Aladdin eToken PRO 00 00", status.Readers[0])
	assert.True(t, status.CardsPresent)
}

func Test_ParseSCInfo(t *testing.T) {
	out := `--- Reader: Alcor Micro USB Smart Card Reader 0
Reader: Alcor Micro USB Smart Card Reader 0
Card: IDPrime MD T=0
Subject: CN=JOHN DOE, O=Example
Issuer: CN=Example CA
Serial Number: 0123abcd
`
	status := DeviceStatus{}
	parseSCInfo(out, &status)

	require.Len(t, status.Readers, 1)
	assert.True(t, status.CardsPresent)
	require.Len(t, status.Certificates, 1)
	assert.Equal(t, "CN=JOHN DOE, O=Example", status.Certificates[0].Subject)
	assert.Equal(t, "CN=Example CA", status.Certificates[0].Issuer)
	assert.Equal(t, "0123abcd", status.Certificates[0].Serial)
}

func Test_ParseSCInfoNoCard(t *testing.T) {
	out := `Reader: Alcor Micro USB Smart Card Reader 0
Card:
`
	status := DeviceStatus{}
	parseSCInfo(out, &status)
	assert.False(t, status.CardsPresent)
}

func Test_DetectNeverFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := Detect(ctx)
	assert.Equal(t, FidelityDegraded, status.Fidelity)
	assert.NotEmpty(t, status.Raw)
}
