package saml

import (
	"fmt"

	"github.com/beevik/etree"
)

const (
	nsMetadata = "urn:oasis:names:tc:SAML:2.0:metadata"

	bindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	bindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
	nameIDEmailAddress  = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
)

// GenerateMetadata はSPのメタデータXMLを生成する。同じ設定からは常に同じ出力になる。
func (b *Bridge) GenerateMetadata() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("md:EntityDescriptor")
	root.CreateAttr("xmlns:md", nsMetadata)
	root.CreateAttr("entityID", b.cfg.EntityID)

	sp := root.CreateElement("md:SPSSODescriptor")
	sp.CreateAttr("AuthnRequestsSigned", "false")
	sp.CreateAttr("WantAssertionsSigned", "true")
	sp.CreateAttr("protocolSupportEnumeration", nsProtocol)

	if b.spCert != "" {
		kd := sp.CreateElement("md:KeyDescriptor")
		kd.CreateAttr("use", "signing")
		ki := kd.CreateElement("ds:KeyInfo")
		ki.CreateAttr("xmlns:ds", nsDSig)
		ki.CreateElement("ds:X509Data").CreateElement("ds:X509Certificate").SetText(b.spCert)
	}

	slo := sp.CreateElement("md:SingleLogoutService")
	slo.CreateAttr("Binding", bindingHTTPRedirect)
	slo.CreateAttr("Location", b.cfg.SLOURL)

	sp.CreateElement("md:NameIDFormat").SetText(nameIDEmailAddress)

	acs := sp.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", bindingHTTPPost)
	acs.CreateAttr("Location", b.cfg.ACSURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write saml metadata: %w", err)
	}
	return out, nil
}
