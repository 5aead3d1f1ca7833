/*

Executable clusterinit sets up a certificate authority and node
certificates for a loom cluster.

This does not do anything necessary to run loom itself, other than
provide a convenient way to get a CA and per-node certs to hand to
loom.CreateFromSpecFile. If you already have certs, you don't need
this.

*/
package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loomrpc/loom/tlsutil"
)

var numberOfNodes = flag.Int("nodes", 2, "number of node certificates to prepare")
var organization = flag.String("organization", "loom_user",
	"the organization to set on the certificates")
var duration = flag.Int("days", 365, "the number of days the certs are valid for")
var directory = flag.String("dir", "", "the directory to use for the certs (default current dir)")

func main() {
	flag.Usage = func() {
		fmt.Print(`clusterinit assists with getting loom clusters up and running by
creating the initial SSL CA and node certificates.

This program will create the following files:

 * cluster_ca.key and cluster_ca.crt: The certificate authority used by
   the mesh's node-to-node connections.
 * cluster_node.#.key and cluster_node.#.crt: The certificate for the
   given node number.

If these files already exist, this program will use them, so you can
create additional nodes by re-running this program with a higher node
number with the same files in place.

`)
		flag.PrintDefaults()
	}

	flag.Parse()

	validTime := time.Now()

	cacertKey := filepath.Join(*directory, "cluster_ca.key")
	cacertCrt := filepath.Join(*directory, "cluster_ca.crt")

	cacertKeyExists := exists(cacertKey)
	cacertCrtExists := exists(cacertCrt)

	if (cacertKeyExists || cacertCrtExists) &&
		!(cacertKeyExists && cacertCrtExists) {
		if cacertKeyExists {
			errexit("The cluster_ca.key file exists, but not cluster_ca.crt. Confused and exiting.")
		}
		errexit("The cluster_ca.crt file exists, but not cluster_ca.key. Confused and exiting.")
	}

	if *numberOfNodes < 1 || *numberOfNodes > 65535 {
		errexit("Illegal number of nodes (must be between 1 and 65535): %d", *numberOfNodes)
	}

	var ca *x509.Certificate
	var privkey *ecdsa.PrivateKey
	if cacertKeyExists {
		cert, err := os.Open(cacertCrt)
		if err != nil {
			errexit("Couldn't open signing cert: %v", err)
		}
		certBytes, err := io.ReadAll(cert)
		if err != nil {
			errexit("Couldn't read signing cert: %v", err)
		}
		block, _ := pem.Decode(certBytes)
		if block == nil || block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
			errexit("Couldn't locate certificate inside cluster_ca.crt")
		}
		ca, err = x509.ParseCertificate(block.Bytes)
		if err != nil {
			errexit("Couldn't parse certificate inside cluster_ca.crt: %v", err)
		}

		keyfile, err := os.Open(cacertKey)
		if err != nil {
			errexit("Couldn't open signing cert key: %v", err)
		}
		keybytes, err := io.ReadAll(keyfile)
		if err != nil {
			errexit("Couldn't read signing cert key: %v", err)
		}
		block, _ = pem.Decode(keybytes)
		if block == nil || block.Type != "EC PRIVATE KEY" {
			errexit("Couldn't locate private key inside cluster_ca.key")
		}
		privkey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			errexit("Could not parse private key inside cluster_ca.key: %v", err)
		}
	} else {
		opts := tlsutil.Options{
			Host:          "127.0.0.1",
			Organization:  *organization,
			IsCA:          true,
			ValidFrom:     validTime,
			ValidDuration: time.Duration(*duration) * 24 * time.Hour,
			Addresses:     []string{"127.0.0.1"},
			CommonName:    "loom cluster signing certificate",
		}
		derBytes, privateKey, err := tlsutil.CreateCertificate(opts)
		if err != nil {
			errexit("Could not create signing certificate: %v", err)
		}
		if err := outputKey(privateKey, cacertKey); err != nil {
			errexit("Could not write cluster_ca.key: %v", err)
		}
		if err := outputCert(derBytes, cacertCrt); err != nil {
			errexit("Could not write cluster_ca.crt: %v", err)
		}

		privkey = privateKey
		ca, err = x509.ParseCertificate(derBytes)
		if err != nil {
			errexit("generated a cert we can't parse: %v", err)
		}
		fmt.Println("Signing certificate created")
	}

	certPool := x509.NewCertPool()
	certPool.AddCert(ca)

	for i := 1; i <= *numberOfNodes; i++ {
		certfile := filepath.Join(*directory, fmt.Sprintf("cluster_node.%d.crt", i))
		keyfile := filepath.Join(*directory, fmt.Sprintf("cluster_node.%d.key", i))

		if exists(certfile) || exists(keyfile) {
			continue
		}

		opts := tlsutil.Options{
			Host:               strconv.Itoa(i),
			Organization:       *organization,
			CommonName:         strconv.Itoa(i),
			SignWithCert:       ca,
			SignWithPrivateKey: privkey,
			ValidDuration:      time.Duration(*duration) * 24 * time.Hour,
			ValidFrom:          validTime,
			Addresses:          []string{"127.0.0.1"},
		}
		derBytes, privateKey, err := tlsutil.CreateCertificate(opts)
		if err != nil {
			errexit("Could not create cert for node %d: %v", i, err)
		}
		if err := outputKey(privateKey, keyfile); err != nil {
			errexit("Could not write private key for node %d: %v", i, err)
		}
		if err := outputCert(derBytes, certfile); err != nil {
			errexit("Could not write certificate for node %d: %v", i, err)
		}

		nodeCert, err := x509.ParseCertificate(derBytes)
		if err != nil {
			errexit("invalid cert generated: %v", err)
		}
		if _, err := nodeCert.Verify(x509.VerifyOptions{DNSName: strconv.Itoa(i), Roots: certPool}); err != nil {
			errexit("Unverifiable certificate generated: %v", err)
		}
		fmt.Println("Constructed certificate for node", i)
	}
}

func errexit(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

func outputCert(cert []byte, file string) error {
	out, err := os.Create(file)
	if err != nil {
		return err
	}
	if err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: cert}); err != nil {
		return err
	}
	return out.Close()
}

func outputKey(key *ecdsa.PrivateKey, file string) error {
	out, err := os.Create(file)
	if err != nil {
		return err
	}
	if err := pem.Encode(out, tlsutil.PEMBlockForKey(key)); err != nil {
		return err
	}
	return out.Close()
}
